package config_test

import (
	"strings"
	"testing"
	"time"

	"targetline/internal/config"
	"targetline/internal/domain"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template should validate: %v", err)
	}
	if cfg.Execution.Endpoint == "" {
		t.Fatalf("default execution endpoint missing")
	}
	if cfg.Execution.PollTimeout.Std() != 10*time.Second {
		t.Fatalf("poll timeout = %v", cfg.Execution.PollTimeout.Std())
	}
	for _, kind := range []domain.TargetKind{
		domain.TargetPerson, domain.TargetOrganization, domain.TargetEvent,
		domain.TargetLocation, domain.TargetTechnology, domain.TargetOperation,
	} {
		if _, ok := cfg.StrategyFor(kind); !ok {
			t.Fatalf("default template has no strategy for %s", kind)
		}
	}
	if cfg.Retry.TransientLimit != 3 {
		t.Fatalf("transient limit = %d", cfg.Retry.TransientLimit)
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	base := config.GenerateDefault()

	missingEndpoint := strings.Replace(base, "endpoint: http://localhost:8787", `endpoint: ""`, 1)
	if _, err := config.FromYAML([]byte(missingEndpoint)); err == nil {
		t.Fatalf("expected endpoint error")
	}

	badKind := strings.Replace(base, "package_kind: single-source", "package_kind: streaming", 1)
	if _, err := config.FromYAML([]byte(badKind)); err == nil {
		t.Fatalf("expected package kind error")
	}

	badInterval := strings.Replace(base, "interval: 30s", "interval: nonsense", 1)
	if _, err := config.FromYAML([]byte(badInterval)); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestProfileForFallsBack(t *testing.T) {
	cfg := config.Default()
	p := cfg.ProfileFor(domain.PackageComposite)
	if p.MemoryEstimateMB != 4096 || !p.ThermalSensitive {
		t.Fatalf("unexpected composite profile %+v", p)
	}
	cfg.Resources = nil
	p = cfg.ProfileFor(domain.PackageComposite)
	if p.MemoryEstimateMB != 512 || p.CPUIntensive {
		t.Fatalf("fallback profile should be modest, got %+v", p)
	}
}
