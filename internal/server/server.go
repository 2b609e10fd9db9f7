package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"planline/internal/config"
	"planline/internal/events"
	"planline/internal/jobs"
)

// Config for the HTTP API handler.
type Config struct {
	Manager  *jobs.Manager
	Events   *events.Log
	Webhooks []config.Webhook
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"job not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"jobId\":\"j1\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStartJob(group, cfg.Manager)
	registerJobStatus(group, cfg.Manager)
	registerJobResult(group, cfg.Manager)
	registerGenerate(group, cfg.Manager)
	registerJobEvents(group, cfg.Manager, cfg.Events)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Events, cfg.Webhooks)

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
	if errors.Is(err, jobs.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, jobs.ErrFailed) {
		return newAPIError(http.StatusInternalServerError, "generation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Planline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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
		}{Body: map[string]string{"status": "healthy", "service": "planline"}}, nil
	})
}

func registerStartJob(api huma.API, m *jobs.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-job",
		Method:        http.MethodPost,
		Path:          "/start-job",
		Summary:       "Start a generation job",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest `json:"body"`
	}) (*struct {
		Body StartJobResponse `json:"body"`
	}, error) {
		job, err := m.Start(input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartJobResponse `json:"body"`
		}{Body: StartJobResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: job.Message,
		}}, nil
	})
}

func registerJobStatus(api huma.API, m *jobs.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "job-status",
		Method:      http.MethodGet,
		Path:        "/job-status/{job_id}",
		Summary:     "Job status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobStatusResponse `json:"body"`
	}, error) {
		job, err := m.Get(input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobStatusResponse `json:"body"`
		}{Body: jobStatusResponse(job)}, nil
	})
}

func registerJobResult(api huma.API, m *jobs.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "job-result",
		Method:      http.MethodGet,
		Path:        "/job-result/{job_id}",
		Summary:     "Job result",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Status int
		Body   any `json:"body"`
	}, error) {
		result, err := m.Result(input.JobID)
		if errors.Is(err, jobs.ErrInProgress) {
			job, getErr := m.Get(input.JobID)
			if getErr != nil {
				return nil, handleError(getErr)
			}
			return &struct {
				Status int
				Body   any `json:"body"`
			}{Status: http.StatusAccepted, Body: jobInProgressResponse(job)}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Status int
			Body   any `json:"body"`
		}{Status: http.StatusOK, Body: result}, nil
	})
}

func registerGenerate(api huma.API, m *jobs.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-program",
		Method:      http.MethodPost,
		Path:        "/generate-program",
		Summary:     "Generate a program synchronously",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest `json:"body"`
	}) (*struct {
		Body GenerateResponse `json:"body"`
	}, error) {
		out, err := m.Generate(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GenerateResponse `json:"body"`
		}{Body: GenerateResponse{GeneratorOutput: out}}, nil
	})
}

func registerJobEvents(api huma.API, m *jobs.Manager, eventLog *events.Log) {
	huma.Register(api, huma.Operation{
		OperationID: "job-events",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/events",
		Summary:     "Job lifecycle events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if _, err := m.Get(input.JobID); err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Items: []events.Event{}}
		if eventLog != nil {
			limit := input.Limit
			if limit <= 0 || limit > 1000 {
				limit = 100
			}
			for _, e := range eventLog.ForJob(input.JobID) {
				if e.Seq <= input.After {
					continue
				}
				resp.Items = append(resp.Items, e)
				if len(resp.Items) == limit {
					break
				}
			}
			if n := len(resp.Items); n > 0 {
				resp.NextCursor = resp.Items[n-1].Seq
			}
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}
