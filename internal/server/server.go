// Package server exposes the read-only HTTP API. All writes to the
// workspace go through the CLI or the reconciliation loop; the API exists
// for dashboards and downstream analytic tooling, so every endpoint is a
// query.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"targetline/internal/domain"
	"targetline/internal/engine"
	"targetline/internal/repo"
	"targetline/internal/report"
	"targetline/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"package pkg-1 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Targetline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema errors on the request itself are the caller's fault
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Targetline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	reporter := report.Reporter{
		Repo:   cfg.Engine.Repo,
		Ledger: cfg.Engine.Ledger,
		Config: cfg.Engine.Config,
		Now:    cfg.Engine.Now,
	}

	registerHealth(group)
	registerMe(group)
	registerTargets(group, cfg.Engine)
	registerPackages(group, cfg.Engine)
	registerReport(group, reporter)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStale) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		details := map[string]any{"level": string(verr.Tier)}
		if verr.Code != "" {
			details["reason_code"] = verr.Code
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", verr.Reason, details)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "active package"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type meBody struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body meBody `json:"body"`
	}, error) {
		body := meBody{ActorID: "anonymous", Source: "open"}
		if p, ok := principalFromContext(ctx); ok {
			body = meBody{ActorID: p.ActorID, Roles: p.Roles, Source: p.Source}
		}
		return &struct {
			Body meBody `json:"body"`
		}{Body: body}, nil
	})
}

// TargetDetail pairs a target with every package ever drafted for it.
type TargetDetail struct {
	Target   domain.Target    `json:"target"`
	Packages []domain.Package `json:"packages,omitempty"`
}

func registerTargets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/targets",
		Summary:     "List targets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"new,under_research,covered,archived,"`
		Kind   string `query:"kind" enum:"person,organization,event,location,technology,operation,"`
		Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Target `json:"body"`
	}, error) {
		items, err := e.Repo.ListTargets(ctx, repo.TargetFilters{
			Kind:   input.Kind,
			Status: input.Status,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Target{}
		}
		return &struct {
			Body []domain.Target `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-target",
		Method:      http.MethodGet,
		Path:        "/targets/{id}",
		Summary:     "Get target with its packages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TargetDetail `json:"body"`
	}, error) {
		target, err := e.Repo.GetTarget(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pkgs, err := e.Repo.ListPackages(ctx, repo.PackageFilters{TargetID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TargetDetail `json:"body"`
		}{Body: TargetDetail{Target: target, Packages: pkgs}}, nil
	})
}

func registerPackages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List packages",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TargetID string `query:"target_id"`
		Status   string `query:"status" enum:"draft,ready,submitted,accepted,queued,running,completed,outputs_ingested,validated,closed,failed,"`
		Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Package `json:"body"`
	}, error) {
		items, err := e.Repo.ListPackages(ctx, repo.PackageFilters{
			TargetID: input.TargetID,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Package{}
		}
		return &struct {
			Body []domain.Package `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inspect-package",
		Method:      http.MethodGet,
		Path:        "/packages/{id}",
		Summary:     "Inspect a package",
		Description: "Returns the package with its target, full status history, output manifest, and handoff attempts.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.Inspection `json:"body"`
	}, error) {
		insp, err := e.InspectPackage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Inspection `json:"body"`
		}{Body: insp}, nil
	})
}

func registerReport(api huma.API, reporter report.Reporter) {
	huma.Register(api, huma.Operation{
		OperationID: "report",
		Method:      http.MethodGet,
		Path:        "/report",
		Summary:     "Workspace scoreboard",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Window string `query:"window" example:"24h"`
	}) (*struct {
		Body report.Summary `json:"body"`
	}, error) {
		var window time.Duration
		if strings.TrimSpace(input.Window) != "" {
			var err error
			window, err = time.ParseDuration(input.Window)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid window", map[string]any{"window": input.Window})
			}
		}
		sum, err := reporter.Build(ctx, window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.Summary `json:"body"`
		}{Body: sum}, nil
	})
}
