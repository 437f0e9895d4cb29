package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rideline/internal/domain"
	"rideline/internal/engine"
	"rideline/internal/gate"
	"rideline/internal/notify"
	"rideline/internal/remote"
	"rideline/internal/repo"
	"rideline/internal/retry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"rows 12: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the rideline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
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
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Rideline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRows(group, cfg.Engine)
	registerRides(group, cfg.Engine)
	registerRetry(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ir remote.InvalidRequestError
	if errors.As(err, &ir) {
		return newAPIError(http.StatusBadRequest, "invalid_request", err.Error(), map[string]any{"index": ir.Index})
	}
	var um remote.UnsupportedAuthModeError
	if errors.As(err, &um) {
		return newAPIError(http.StatusInternalServerError, "unsupported_auth_mode", err.Error(), map[string]any{"mode": string(um.Mode)})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid row state transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "must be") || strings.Contains(lowered, "required") || strings.Contains(lowered, "no rows selected"):
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	doc := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		b, _ := json.Marshal(oas)
		return b
	})
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc())
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

func registerRows(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rows",
		Method:      http.MethodGet,
		Path:        "/rows",
		Summary:     "List rows in position order",
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"unscheduled,scheduled,cancelled,updated"`
		Group string `query:"group"`
		From  string `query:"from" doc:"Earliest start date (YYYY-MM-DD)"`
		To    string `query:"to" doc:"Latest start date (YYYY-MM-DD)"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.Row `json:"body"`
	}, error) {
		rows, err := e.Repo.ListRows(ctx, repo.RowFilters{
			State: domain.RowState(input.State),
			Group: input.Group,
			From:  input.From,
			To:    input.To,
			Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Row `json:"body"`
		}{Body: nonNilSlice(rows)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-row",
		Method:        http.MethodPost,
		Path:          "/rows",
		Summary:       "Append a row",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddRowRequest `json:"body"`
	}) (*struct {
		Body domain.Row `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		row, err := e.AddRow(ctx, input.Body.row(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Row `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-row",
		Method:      http.MethodGet,
		Path:        "/rows/{ref}",
		Summary:     "Get a row by id or position",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body domain.Row `json:"body"`
	}, error) {
		row, err := e.Repo.FindRow(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Row `json:"body"`
		}{Body: row}, nil
	})
}

func registerRides(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-ride-command",
		Method:      http.MethodPost,
		Path:        "/rides/{command}",
		Summary:     "Gate the selected rows and apply a ride command",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Command string            `path:"command" enum:"schedule,cancel,reinstate,unschedule,update"`
		Body    RunCommandRequest `json:"body"`
	}) (*struct {
		Body RunCommandResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// The request is the confirmation.
		rec := &notify.Recorder{Answer: true}
		out, err := e.Run(ctx, engine.RunOptions{
			Command:  gate.Command(input.Command),
			Refs:     input.Body.Rows,
			Force:    input.Body.Force,
			ActorID:  actor,
			Notifier: rec,
		})
		if err != nil {
			return nil, handleError(err)
		}
		_, messages := rec.Snapshot()
		return &struct {
			Body RunCommandResponse `json:"body"`
		}{Body: NewRunCommandResponse(input.Command, out, messages)}, nil
	})
}

func registerRetry(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-retry-items",
		Method:      http.MethodGet,
		Path:        "/retry/items",
		Summary:     "List queued retries, next due first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		items, err := e.Queue.Items(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: queueItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-stats",
		Method:      http.MethodGet,
		Path:        "/retry/stats",
		Summary:     "Retry queue statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body retry.Stats `json:"body"`
	}, error) {
		stats, err := e.Queue.Statistics(ctx, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body retry.Stats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-retries",
		Method:      http.MethodPost,
		Path:        "/retry/process",
		Summary:     "Run one pass over the due retries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProcessRetriesResponse `json:"body"`
	}, error) {
		res, err := e.ProcessRetries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessRetriesResponse `json:"body"`
		}{Body: ProcessRetriesResponse{
			Succeeded:   queueItems(res.Succeeded),
			Rescheduled: queueItems(res.Rescheduled),
			Expired:     queueItems(res.Expired),
		}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"row,retry"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
