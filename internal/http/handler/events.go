package handler

import (
	"context"
	"errors"
	"net/http"

	"clinicmsg/internal/clinic"
	"clinicmsg/internal/jobs"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// EventsHandler takes lifecycle notifications from the clinic system.
type EventsHandler struct {
	Lifecycle *clinic.Lifecycle
	Log       zerolog.Logger
}

type scheduleFn func(ctx context.Context, id string) ([]jobs.Result, error)

func (h *EventsHandler) Appointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch chi.URLParam(r, "event") {
	case "created":
		h.schedule(w, r, id, h.Lifecycle.AppointmentCreated)
	case "rescheduled":
		h.schedule(w, r, id, h.Lifecycle.AppointmentRescheduled)
	case "cancelled", "completed":
		n, err := h.Lifecycle.AppointmentClosed(r.Context(), id)
		if err != nil {
			h.fail(w, err, id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": n})
	default:
		http.Error(w, "unknown event", http.StatusNotFound)
	}
}

func (h *EventsHandler) Consultation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch chi.URLParam(r, "event") {
	case "completed":
		h.schedule(w, r, id, h.Lifecycle.ConsultationCompleted)
	case "follow-up-changed":
		h.schedule(w, r, id, h.Lifecycle.FollowUpChanged)
	default:
		http.Error(w, "unknown event", http.StatusNotFound)
	}
}

func (h *EventsHandler) schedule(w http.ResponseWriter, r *http.Request, id string, fn scheduleFn) {
	results, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, err, id)
		return
	}
	if results == nil {
		results = []jobs.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *EventsHandler) fail(w http.ResponseWriter, err error, id string) {
	switch {
	case errors.Is(err, clinic.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrInvalidRef):
		http.Error(w, "invalid entity", http.StatusUnprocessableEntity)
	default:
		h.Log.Error().Err(err).Str("entity_id", id).Msg("lifecycle event failed")
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
