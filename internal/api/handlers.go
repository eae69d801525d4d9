/**
 * @description
 * HTTP handlers for the payment observer: the health report, dead-letter inspection and
 * replay, and adding or removing watched accounts at runtime.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/payment-observer/internal/app"
	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type HealthReporter interface {
	Health(ctx context.Context) (domain.HealthReport, error)
}

type StreamManager interface {
	Watch(ctx context.Context, account string) error
	Unwatch(ctx context.Context, account string) error
}

type DeadLetterReplayer interface {
	Replay(ctx context.Context, id uuid.UUID) error
}

// ObserverHandlers holds the dependencies for the HTTP handlers.
type ObserverHandlers struct {
	health      HealthReporter
	streams     StreamManager
	deadLetters store.DeadLetterStore
	replayer    DeadLetterReplayer
	logger      *slog.Logger
}

func NewObserverHandlers(health HealthReporter, streams StreamManager, deadLetters store.DeadLetterStore, replayer DeadLetterReplayer, logger *slog.Logger) *ObserverHandlers {
	return &ObserverHandlers{
		health:      health,
		streams:     streams,
		deadLetters: deadLetters,
		replayer:    replayer,
		logger:      logger,
	}
}

// HealthHandler reports stream health. A RED report is served with 503.
func (h *ObserverHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.health.Health(r.Context())
	if err != nil {
		h.logger.Warn("health report unavailable", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, domain.HealthReport{Status: domain.HealthRed, Checks: map[string]domain.HealthCheck{}})
		return
	}
	status := http.StatusOK
	if report.Status == domain.HealthRed {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

func (h *ObserverHandlers) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxDeadLetterLimit)
	}

	dls, err := h.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls, "count": len(dls)})
}

func (h *ObserverHandlers) ReplayDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid dead letter ID")
		return
	}

	err = h.replayer.Replay(r.Context(), id)
	switch {
	case err == nil:
		h.logger.Info("dead letter replay queued", "dead_letter_id", id.String())
		h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, store.ErrDeadLetterNotFound):
		h.writeError(w, http.StatusNotFound, "Dead letter not found")
	case domain.IsUnavailable(err), errors.Is(err, app.ErrPublisherClosed):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("dead letter replay failed", "dead_letter_id", id.String(), "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *ObserverHandlers) WatchAccountHandler(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	err := h.streams.Watch(r.Context(), account)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"account": account, "stream_id": app.StreamID(account)})
	case errors.Is(err, domain.ErrInvalidAccount):
		h.writeError(w, http.StatusBadRequest, "Invalid account")
	case errors.Is(err, app.ErrSupervisorStopped):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("failed to watch account", "account", account, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *ObserverHandlers) UnwatchAccountHandler(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	err := h.streams.Unwatch(r.Context(), account)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, app.ErrStreamNotFound):
		h.writeError(w, http.StatusNotFound, "Account is not watched")
	case errors.Is(err, app.ErrSupervisorStopped):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("failed to unwatch account", "account", account, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *ObserverHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *ObserverHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
