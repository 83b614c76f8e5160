// Package api is the thin HTTP surface over the job engine: submit,
// status, cancel, websocket subscription, and queue observability.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/frameloom/transcoded/internal/job"
	"github.com/frameloom/transcoded/internal/notify"
	"github.com/frameloom/transcoded/internal/queue"
	"github.com/frameloom/transcoded/internal/storage"
)

type API struct {
	store    storage.Store
	queue    *queue.RedisQueue
	notifier notify.Notifier
	hub      *notify.Hub
	logger   *slog.Logger
	router   *chi.Mux
}

func New(store storage.Store, q *queue.RedisQueue, notifier notify.Notifier, hub *notify.Hub, logger *slog.Logger) *API {
	a := &API{
		store:    store,
		queue:    q,
		notifier: notifier,
		hub:      hub,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	a.registerRoutes()
	return a
}

func (a *API) Router() http.Handler { return a.router }

func (a *API) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)

	a.router.Post("/jobs", a.submit)
	a.router.Get("/jobs/{id}", a.status)
	a.router.Delete("/jobs/{id}", a.cancel)
	a.router.Get("/queue/completed", a.recentCompleted)
	a.router.Get("/queue/failed", a.recentFailed)
	if a.hub != nil {
		a.router.Get("/ws/{owner}", a.hub.Subscribe)
	}
	a.router.Get("/healthz", a.health)
}

type submitRequest struct {
	OwnerID      string      `json:"owner_id"`
	SourceKey    string      `json:"source_key"`
	OutputFormat string      `json:"output_format"`
	Options      job.Options `json:"options"`
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.SourceKey == "" {
		http.Error(w, "owner_id and source_key are required", http.StatusBadRequest)
		return
	}
	switch req.OutputFormat {
	case "":
		req.OutputFormat = "mp4"
	case "mp4", "hls", "dash":
	default:
		http.Error(w, "unsupported output_format", http.StatusBadRequest)
		return
	}

	j := &job.Job{
		OwnerID:      req.OwnerID,
		SourceKey:    req.SourceKey,
		OutputFormat: req.OutputFormat,
		Options:      req.Options,
	}
	if err := a.store.CreateJob(j); err != nil {
		a.logger.Error("creating job", "error", err)
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	if err := a.queue.Enqueue(r.Context(), j.ID); err != nil {
		a.logger.Error("enqueueing job", "job_id", j.ID, "error", err)
		http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}
	a.notifier.Emit(j.OwnerID, notify.EventJobCreated, notify.Payload(j.ID, nil))
	writeJSON(w, http.StatusAccepted, j)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	j, err := a.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		a.logger.Error("loading job", "error", err)
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// cancel removes a still-queued job synchronously. A job already
// processing is only flagged in the store; the worker notices at its next
// phase boundary.
func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := a.store.GetJob(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	switch j.State {
	case job.StatePending:
		if _, err := a.queue.Remove(r.Context(), id); err != nil {
			a.logger.Error("removing queued job", "job_id", id, "error", err)
			http.Error(w, "failed to cancel job", http.StatusInternalServerError)
			return
		}
	case job.StateProcessing:
		// Not preemptible; the flag is enough.
	default:
		http.Error(w, "job already in terminal state", http.StatusConflict)
		return
	}
	if err := a.store.UpdateState(id, job.StateCancelled); err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	a.notifier.Emit(j.OwnerID, notify.EventJobCancelled, notify.Payload(id, nil))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) recentCompleted(w http.ResponseWriter, r *http.Request) {
	a.recent(w, r, a.queue.RecentCompleted)
}

func (a *API) recentFailed(w http.ResponseWriter, r *http.Request) {
	a.recent(w, r, a.queue.RecentFailed)
}

func (a *API) recent(w http.ResponseWriter, r *http.Request, fetch func(ctx context.Context, n int64) ([]queue.Entry, error)) {
	entries, err := fetch(r.Context(), 50)
	if err != nil {
		a.logger.Error("reading queue history", "error", err)
		http.Error(w, "failed to read queue history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
