package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"targetline/internal/domain"
)

// Duration wraps time.Duration so yaml values can be written as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config models targetline.yml.
type Config struct {
	Officer struct {
		Actor string `yaml:"actor"`
	} `yaml:"officer"`
	Execution struct {
		Endpoint         string   `yaml:"endpoint"`
		AuthToken        string   `yaml:"auth_token"`
		SubmitTimeout    Duration `yaml:"submit_timeout"`
		PollTimeout      Duration `yaml:"poll_timeout"`
		PollFailureLimit int      `yaml:"poll_failure_limit"`
	} `yaml:"execution"`
	Staging struct {
		Root string `yaml:"root"`
	} `yaml:"staging"`
	Evidence struct {
		Root string `yaml:"root"`
	} `yaml:"evidence"`
	Plans struct {
		Strategies map[string]PlanStrategy `yaml:"strategies"`
	} `yaml:"plans"`
	Retry struct {
		TransientLimit int      `yaml:"transient_limit"`
		IngestLimit    int      `yaml:"ingest_limit"`
		TransientCodes []string `yaml:"transient_codes"`
		PermanentCodes []string `yaml:"permanent_codes"`
	} `yaml:"retry"`
	Loop struct {
		Interval    Duration `yaml:"interval"`
		Concurrency int      `yaml:"concurrency"`
	} `yaml:"loop"`
	Resources map[string]ResourceProfile `yaml:"resources"`
	Report    struct {
		FailureWindow Duration `yaml:"failure_window"`
	} `yaml:"report"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// PlanStrategy describes how to draft a package for one target kind.
// Descriptor and output templates may reference {target} and {version}.
type PlanStrategy struct {
	PackageKind string     `yaml:"package_kind"`
	Summary     string     `yaml:"summary"`
	Items       []PlanItem `yaml:"items"`
}

type PlanItem struct {
	Descriptor string   `yaml:"descriptor"`
	Outputs    []string `yaml:"outputs"`
}

type ResourceProfile struct {
	MemoryEstimateMB int64 `yaml:"memory_estimate_mb"`
	CPUIntensive     bool  `yaml:"cpu_intensive"`
	ThermalSensitive bool  `yaml:"thermal_sensitive"`
}

type Webhook struct {
	URL     string   `yaml:"url"`
	Enabled *bool    `yaml:"enabled"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
}

// StrategyFor returns the plan strategy for a target kind.
func (c *Config) StrategyFor(kind domain.TargetKind) (PlanStrategy, bool) {
	s, ok := c.Plans.Strategies[string(kind)]
	return s, ok
}

// ProfileFor returns the resource profile for a package kind, falling back
// to a modest default when the config has none.
func (c *Config) ProfileFor(kind domain.PackageKind) ResourceProfile {
	if p, ok := c.Resources[string(kind)]; ok {
		return p
	}
	return ResourceProfile{MemoryEstimateMB: 512}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Execution.Endpoint == "" {
		return fmt.Errorf("config.execution.endpoint is required")
	}
	if c.Execution.SubmitTimeout <= 0 {
		return fmt.Errorf("config.execution.submit_timeout must be positive")
	}
	if c.Execution.PollTimeout <= 0 {
		return fmt.Errorf("config.execution.poll_timeout must be positive")
	}
	if c.Execution.PollFailureLimit < 1 {
		return fmt.Errorf("config.execution.poll_failure_limit must be at least 1")
	}
	if c.Staging.Root == "" {
		return fmt.Errorf("config.staging.root is required")
	}
	if c.Evidence.Root == "" {
		return fmt.Errorf("config.evidence.root is required")
	}
	if len(c.Plans.Strategies) == 0 {
		return fmt.Errorf("config.plans.strategies is required")
	}
	for kind, s := range c.Plans.Strategies {
		if !domain.TargetKind(kind).Valid() {
			return fmt.Errorf("strategy %s: unknown target kind", kind)
		}
		if !domain.PackageKind(s.PackageKind).Valid() {
			return fmt.Errorf("strategy %s: invalid package_kind %q", kind, s.PackageKind)
		}
		if len(s.Items) == 0 {
			return fmt.Errorf("strategy %s has no items", kind)
		}
		for i, item := range s.Items {
			if item.Descriptor == "" {
				return fmt.Errorf("strategy %s item %d has empty descriptor", kind, i)
			}
			if len(item.Outputs) == 0 {
				return fmt.Errorf("strategy %s item %d has no outputs", kind, i)
			}
			for _, out := range item.Outputs {
				if out == "" {
					return fmt.Errorf("strategy %s item %d has empty output", kind, i)
				}
			}
		}
	}
	if c.Retry.TransientLimit < 0 {
		return fmt.Errorf("config.retry.transient_limit must not be negative")
	}
	if c.Retry.IngestLimit < 0 {
		return fmt.Errorf("config.retry.ingest_limit must not be negative")
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("config.loop.interval must be positive")
	}
	if c.Loop.Concurrency < 1 {
		return fmt.Errorf("config.loop.concurrency must be at least 1")
	}
	for kind, p := range c.Resources {
		if !domain.PackageKind(kind).Valid() {
			return fmt.Errorf("resources: unknown package kind %s", kind)
		}
		if p.MemoryEstimateMB < 0 {
			return fmt.Errorf("resources.%s.memory_estimate_mb must not be negative", kind)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "targetline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `officer:
  actor: officer

execution:
  endpoint: http://localhost:8787
  auth_token: ""
  submit_timeout: 10s
  poll_timeout: 10s
  poll_failure_limit: 5

staging:
  root: .targetline/staging

evidence:
  root: .targetline/evidence

plans:
  strategies:
    person:
      package_kind: single-source
      summary: "Recent appearances for {target}"
      items:
        - descriptor: "media://broadcast/{target}/recent-appearances"
          outputs:
            - "{target}/v{version}/appearances.capture.mp4"
            - "{target}/v{version}/appearances.transcript.json"

    organization:
      package_kind: document
      summary: "Registry and filings for {target}"
      items:
        - descriptor: "web://registry/{target}/filings"
          outputs:
            - "{target}/v{version}/filings.pdf"
            - "{target}/v{version}/filings.records.json"

    event:
      package_kind: composite
      summary: "Coverage sweep for {target}"
      items:
        - descriptor: "media://coverage/{target}/footage"
          outputs:
            - "{target}/v{version}/footage.capture.mp4"
            - "{target}/v{version}/footage.transcript.json"
        - descriptor: "web://news/{target}/articles"
          outputs:
            - "{target}/v{version}/articles.pdf"

    location:
      package_kind: composite
      summary: "Imagery and local reporting for {target}"
      items:
        - descriptor: "media://satellite/{target}/imagery"
          outputs:
            - "{target}/v{version}/imagery.png"
        - descriptor: "web://local-press/{target}/reports"
          outputs:
            - "{target}/v{version}/reports.pdf"

    technology:
      package_kind: document
      summary: "Published research on {target}"
      items:
        - descriptor: "web://papers/{target}/publications"
          outputs:
            - "{target}/v{version}/publications.pdf"

    operation:
      package_kind: document
      summary: "Activity reporting on {target}"
      items:
        - descriptor: "web://archive/{target}/activity-reports"
          outputs:
            - "{target}/v{version}/activity.pdf"
            - "{target}/v{version}/activity.records.json"

retry:
  transient_limit: 3
  ingest_limit: 3
  transient_codes: [resource_unavailable, timeout, worker_crash]
  permanent_codes: [invalid_task, unreachable_source, malformed_plan, missing_outputs, ingest_exhausted]

loop:
  interval: 30s
  concurrency: 4

resources:
  single-source:
    memory_estimate_mb: 2048
    cpu_intensive: true
    thermal_sensitive: true
  document:
    memory_estimate_mb: 512
    cpu_intensive: false
    thermal_sensitive: false
  composite:
    memory_estimate_mb: 4096
    cpu_intensive: true
    thermal_sensitive: true

report:
  failure_window: 168h
`
