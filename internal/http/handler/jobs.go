package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"clinicmsg/internal/delivery"
	"clinicmsg/internal/jobs"

	"github.com/go-chi/chi/v5"
)

type JobsHandler struct {
	Jobs       *jobs.Repo
	Deliveries *delivery.Repo
}

type jobView struct {
	ID          string       `json:"id"`
	Type        jobs.JobType `json:"type"`
	EntityID    string       `json:"entity_id"`
	PatientID   string       `json:"patient_id,omitempty"`
	Status      jobs.Status  `json:"status"`
	FireAt      time.Time    `json:"fire_at"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	LockedBy    *string      `json:"locked_by,omitempty"`
	LastError   *string      `json:"last_error,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Payload     jobs.Payload `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
}

func toJobView(j *jobs.Job) jobView {
	return jobView{
		ID:          j.ID,
		Type:        j.Type,
		EntityID:    j.EntityID,
		PatientID:   j.PatientID,
		Status:      j.Status,
		FireAt:      j.FireAt,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LockedBy:    j.LockedBy,
		LastError:   j.LastError,
		FinishedAt:  j.FinishedAt,
		Payload:     j.Payload,
		CreatedAt:   j.CreatedAt,
	}
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.ListFilter{
		Status:    jobs.Status(q.Get("status")),
		Type:      jobs.JobType(q.Get("type")),
		EntityID:  q.Get("entity_id"),
		PatientID: q.Get("patient_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	list, err := h.Jobs.List(r.Context(), f)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	out := make([]jobView, 0, len(list))
	for i := range list {
		out = append(out, toJobView(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(j))
}

// Retry requeues a FAILED job.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	j, err := h.Jobs.Requeue(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, jobs.ErrNotFailed):
		http.Error(w, "job is "+string(j.Status), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(j))
}

func (h *JobsHandler) History(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Deliveries.ListByJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []delivery.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": recs})
}
