package sync

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/classmirror/service-sync-go/internal/auth"
)

// Handler exposes the trigger API for the sync engine.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Run handles POST /sync/run. A completed run always returns 200 with the
// full report, even when individual records failed; an error status means
// the run could not start (or was cut off mid-listing).
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	if !auth.CapabilityFromContext(r.Context()).TriggerRuns {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "missing sync:run capability"})
		return
	}
	report, err := h.svc.Run(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrRunInProgress):
			h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrDirectoryUnavailable):
			h.logger.Errorw("sync run failed", "err", err)
			body := map[string]any{"error": err.Error()}
			if report != nil {
				// listing died mid-run; committed writes stand
				body["partial_report"] = report
			}
			h.writeJSON(w, http.StatusBadGateway, body)
		default:
			h.logger.Errorw("sync run failed", "err", err)
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sync run failed"})
		}
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Status handles GET /sync/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if !auth.CapabilityFromContext(r.Context()).ReadReports {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "missing sync:read capability"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.svc.DriftStatus(r.Context()))
}

// Statistics handles GET /sync/statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	if !auth.CapabilityFromContext(r.Context()).ReadReports {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "missing sync:read capability"})
		return
	}
	stats, err := h.svc.Statistics(r.Context())
	if err != nil {
		h.logger.Errorw("statistics query failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "statistics unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
