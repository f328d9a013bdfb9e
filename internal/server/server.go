package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"aimdrag/internal/audit"
	"aimdrag/internal/domain"
	"aimdrag/internal/engine"
	"aimdrag/internal/engine/auth"
	"aimdrag/internal/governance"
)

// Config for the HTTP API handler.
type Config struct {
	Gate     *engine.Gate
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_violation"`
	Message string         `json:"message" example:"mode research does not allow side effects"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"trace_id\":\"3f1c\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the governance gate.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gate == nil || cfg.Gate.Chain == nil {
		return nil, errors.New("server: gate with an audit chain is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Malformed requests never reach the gate and are not audited.
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
	hcfg := huma.DefaultConfig("AIM-DRAG Governance API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Gate)
	registerModes(group)
	registerAdmissions(group, cfg.Gate)
	registerOutcomes(group, cfg.Gate)
	registerAudit(group, cfg.Gate)
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var vf *engine.ValidationFailedError
	if errors.As(err, &vf) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"trace_id":       vf.TraceID,
			"violations":     vf.Violations,
			"sequence":       vf.Record.Sequence,
			"integrity_hash": vf.Record.IntegrityHash,
		})
	}
	var pv *engine.PolicyViolationError
	if errors.As(err, &pv) {
		details := map[string]any{
			"trace_id":       pv.TraceID,
			"mode":           pv.Mode,
			"outcome":        pv.Record.Outcome,
			"sequence":       pv.Record.Sequence,
			"integrity_hash": pv.Record.IntegrityHash,
		}
		if len(pv.Violations) > 0 {
			details["violations"] = pv.Violations
		}
		return newAPIError(http.StatusUnprocessableEntity, "policy_violation", err.Error(), details)
	}
	var ce *audit.CorruptionError
	switch {
	case errors.As(err, &ce):
		return newAPIError(http.StatusServiceUnavailable, "chain_corrupted", err.Error(), map[string]any{"broken_at_sequence": ce.BrokenAt})
	case errors.Is(err, audit.ErrChainCorrupted):
		return newAPIError(http.StatusServiceUnavailable, "chain_corrupted", err.Error(), nil)
	case errors.Is(err, audit.ErrSinkUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "sink_unavailable", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownTrace):
		return newAPIError(http.StatusNotFound, "unknown_trace", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyRecorded):
		return newAPIError(http.StatusConflict, "already_recorded", err.Error(), nil)
	case errors.Is(err, audit.ErrInvalidEntry):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "cancelled", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission resolves the caller and checks one permission against the
// role table and any permissions granted directly in the token.
func requirePermission(ctx context.Context, perm string) (Principal, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if err := auth.Require(p.Roles, p.Permissions, perm); err != nil {
		return Principal{}, err
	}
	return p, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>AIM-DRAG API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

type HealthResponse struct {
	Status  string `json:"status" enum:"ok,degraded"`
	Chain   string `json:"chain" enum:"ok,corrupted,unavailable"`
	Records uint64 `json:"records"`
	Pending int    `json:"pending"`
}

func registerHealth(api huma.API, g *engine.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		out := HealthResponse{Status: "ok", Chain: "ok", Records: g.Chain.Tail().Records, Pending: g.Pending()}
		if err := g.Chain.Err(); err != nil {
			out.Status = "degraded"
			out.Chain = "unavailable"
			if errors.Is(err, audit.ErrChainCorrupted) {
				out.Chain = "corrupted"
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerModes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listModes",
		Method:      http.MethodGet,
		Path:        "/modes",
		Summary:     "List modes and their permissions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ModeResponse `json:"body"`
	}, error) {
		if _, ok := principalFromContext(ctx); !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		var items []ModeResponse
		for _, m := range governance.Modes() {
			items = append(items, ModeResponse{Mode: m, Permissions: governance.PermissionsFor(m)})
		}
		return &struct {
			Body []ModeResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerAdmissions(api huma.API, g *engine.Gate) {
	huma.Register(api, huma.Operation{
		OperationID:   "createAdmission",
		Method:        http.MethodPost,
		Path:          "/admissions",
		Summary:       "Admit a governed request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body AdmissionRequest `json:"body"`
	}) (*struct {
		Body AdmissionResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermAdmit)
		if err != nil {
			return nil, handleError(err)
		}
		adm, err := g.Admit(ctx, engine.AdmitRequest{
			TraceID: input.Body.TraceID,
			Caller:  p.ActorID,
			Declaration: domain.Declaration{
				Actor:   input.Body.Actor,
				Input:   input.Body.Input,
				Mission: input.Body.Mission,
			},
			Mode:         input.Body.Mode,
			WorkflowName: input.Body.WorkflowName,
			Parameters:   input.Body.Parameters,
			SideEffects:  input.Body.SideEffects,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdmissionResponse `json:"body"`
		}{Body: admissionResponse(adm)}, nil
	})
}

func registerOutcomes(api huma.API, g *engine.Gate) {
	huma.Register(api, huma.Operation{
		OperationID:   "recordOutcome",
		Method:        http.MethodPost,
		Path:          "/outcomes",
		Summary:       "Record the outcome of an admitted trace",
		DefaultStatus: http.StatusCreated,
		Errors: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
			http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body OutcomeRequest `json:"body"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermRecord)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := g.Record(ctx, engine.RecordRequest{
			TraceID:      input.Body.TraceID,
			Caller:       p.ActorID,
			WorkflowName: input.Body.WorkflowName,
			Parameters:   input.Body.Parameters,
			Outcome:      domain.Outcome(input.Body.Outcome),
			Output:       input.Body.OutputText,
			Duration:     time.Duration(input.Body.DurationMS) * time.Millisecond,
			Err:          input.Body.Error,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(rec)}, nil
	})
}

func registerAudit(api huma.API, g *engine.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "verifyAudit",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Replay and verify the audit chain",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body audit.Verification `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		v, err := g.Verify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body audit.Verification `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listAuditRecords",
		Method:      http.MethodGet,
		Path:        "/audit/records",
		Summary:     "List audit records",
	}, func(ctx context.Context, input *struct {
		TraceID  string `query:"trace_id"`
		Outcome  string `query:"outcome" enum:"admitted,rejected,success,failure"`
		Mode     string `query:"mode"`
		Workflow string `query:"workflow"`
		Limit    int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body recordsPage `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		items, err := g.Chain.Records(ctx, audit.Filter{
			TraceID:  input.TraceID,
			Outcome:  domain.Outcome(input.Outcome),
			Mode:     domain.Mode(input.Mode),
			Workflow: input.Workflow,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditRecord{}
		}
		return &struct {
			Body recordsPage `json:"body"`
		}{Body: recordsPage{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auditTail",
		Method:      http.MethodGet,
		Path:        "/audit/tail",
		Summary:     "Committed record count and tail hash",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TailResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TailResponse `json:"body"`
		}{Body: tailResponse(g.Chain.Tail())}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}
