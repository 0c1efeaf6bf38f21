// Package server exposes the dashboard API and the webhook receiver
// over HTTP. Humans drive the lifecycle from here; the planner reacts
// through the change feed to everything written.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store store.Store
	// SharedSecret guards every route except /health. Empty means no
	// auth, for local use only.
	SharedSecret string
	BasePath     string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Vibeflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(sharedSecretMiddleware(cfg.SharedSecret, basePath))
	hcfg := huma.DefaultConfig("Vibeflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Store)
	registerWebhook(group, cfg.Store)

	return router, nil
}

// sharedSecretMiddleware rejects requests whose X-Api-Key header does
// not match the configured secret. The health endpoint stays open.
func sharedSecretMiddleware(secret, basePath string) func(http.Handler) http.Handler {
	healthPath := strings.TrimSuffix(basePath, "/") + "/health"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.URL.Path == healthPath {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-Api-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"code":"unauthorized","message":"invalid or missing api key"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
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
		Body struct {
			Status string `json:"status" example:"ok"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			} `json:"body"`
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerTasks(api huma.API, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		var filters store.TaskFilters
		filters.Limit = input.Limit
		if input.Status != "" {
			for _, raw := range strings.Split(input.Status, ",") {
				st := domain.Status(strings.TrimSpace(raw))
				if !st.Valid() {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+string(st), nil)
				}
				filters.Statuses = append(filters.Statuses, st)
			}
		}
		tasks, err := s.ListTasks(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: taskListResponse(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t := domain.Task{
			Title:    input.Body.Title,
			Deadline: input.Body.Deadline,
		}
		if input.Body.Overview != nil {
			t.Overview = *input.Body.Overview
		}
		if input.Body.Monetization != nil {
			t.Monetization = *input.Body.Monetization
		}
		if input.Body.Target != nil {
			t.Target = *input.Body.Target
		}
		if input.Body.Difficulty != nil {
			t.Difficulty = *input.Body.Difficulty
		}
		if input.Body.Type != nil {
			t.Type = *input.Body.Type
		}
		if input.Body.Status != nil {
			t.Status = domain.Status(*input.Body.Status)
		}
		created, err := s.CreateTask(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := s.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Set task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   SetStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		status := domain.Status(input.Body.Status)
		if !status.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+input.Body.Status, nil)
		}
		current, err := s.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if current.IsProcessing {
			return nil, newAPIError(http.StatusConflict, "conflict", "task is being processed, try again shortly", nil)
		}
		update := store.Update{Status: &status}
		if input.Body.FeedbackComment != nil {
			update.FeedbackComment = input.Body.FeedbackComment
		}
		t, err := s.UpdateTask(ctx, input.TaskID, update)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

// registerWebhook is the inbound nudge endpoint. Each action maps to a
// status write; the change feed takes it from there.
func registerWebhook(api huma.API, s store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "webhook",
		Method:      http.MethodPost,
		Path:        "/webhook",
		Summary:     "Trigger a lifecycle action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body WebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		var update store.Update
		switch input.Body.Action {
		case "draft":
			// Empty update: touch the row so the feed re-delivers it.
		case "approved":
			update.Status = statusPtr(domain.StatusApproved)
		case "build":
			update.Status = statusPtr(domain.StatusDevelopmentStarted)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown action "+input.Body.Action, nil)
		}
		t, err := s.UpdateTask(ctx, input.Body.TaskID, update)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: WebhookResponse{Status: string(t.Status), TaskID: t.ID}}, nil
	})
}

func statusPtr(s domain.Status) *domain.Status { return &s }
