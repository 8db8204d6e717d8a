package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/usecase"
)

// defaultSimilarCount and defaultSearchCount apply when the request
// omits count.
const (
	defaultSimilarCount = 50
	defaultSearchCount  = 20
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg            config.Config
	Submit         usecase.SubmitService
	Status         usecase.StatusService
	DBCheck        func(ctx context.Context) error
	WorkqueueCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, status usecase.StatusService, dbCheck, workqueueCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Status: status, DBCheck: dbCheck, WorkqueueCheck: workqueueCheck}
}

type similarRequest struct {
	Platform string                `json:"platform" validate:"required"`
	Username string                `json:"username" validate:"required,max=100"`
	UID      string                `json:"uid" validate:"omitempty,max=100"`
	Count    *int                  `json:"count" validate:"omitempty,min=1,max=100"`
	Follows  *domain.FollowsFilter `json:"follows"`
	AvgViews *domain.ViewsFilter   `json:"avg_views"`
}

type searchRequest struct {
	Platform string                `json:"platform" validate:"required"`
	Query    string                `json:"query" validate:"required,max=500"`
	Count    *int                  `json:"count" validate:"omitempty,min=1,max=100"`
	Follows  *domain.FollowsFilter `json:"follows"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(v); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// SimilarHandler accepts similar-user fetch requests.
func (s *Server) SimilarHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req similarRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		count := defaultSimilarCount
		if req.Count != nil {
			count = *req.Count
		}
		params, err := domain.ParamsMap(domain.SimilarParams{
			Username: req.Username,
			UID:      req.UID,
			Count:    count,
			Follows:  req.Follows,
			AvgViews: req.AvgViews,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		taskID, err := s.Submit.Submit(r.Context(), domain.Platform(req.Platform), domain.ActionSimilar, params)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(domain.TaskPending)})
	}
}

// SearchHandler accepts user-search fetch requests.
func (s *Server) SearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		count := defaultSearchCount
		if req.Count != nil {
			count = *req.Count
		}
		params, err := domain.ParamsMap(domain.SearchParams{
			Query:   req.Query,
			Count:   count,
			Follows: req.Follows,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		taskID, err := s.Submit.Submit(r.Context(), domain.Platform(req.Platform), domain.ActionSearch, params)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(domain.TaskPending)})
	}
}

// TaskHandler serves task status polls.
func (s *Server) TaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")
		t, err := s.Status.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, map[string]string{"task_id": taskID})
			return
		}
		body := map[string]any{
			"task_id": t.TaskID,
			"status":  t.Status,
		}
		if t.Status == domain.TaskCompleted {
			body["results"] = t.Result
		}
		if t.Status == domain.TaskFailed {
			body["error"] = t.Error
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// HealthHandler reports component status for database and workqueue.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]string{}
		overall := "ok"
		check := func(name string, fn func(context.Context) error) {
			if fn == nil {
				components[name] = "unconfigured"
				return
			}
			if err := fn(r.Context()); err != nil {
				components[name] = "down"
				overall = "degraded"
				return
			}
			components[name] = "ok"
		}
		check("database", s.DBCheck)
		check("workqueue", s.WorkqueueCheck)
		status := http.StatusOK
		if overall != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"status": overall, "components": components})
	}
}
