package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicmsg/internal/clinic"
	"clinicmsg/internal/jobs"
)

// NoShowMarker flags appointments nobody showed up to. It sends nothing.
type NoShowMarker struct {
	deps  Deps
	Grace time.Duration
}

func NewNoShowMarker(d Deps, grace time.Duration) *NoShowMarker {
	return &NoShowMarker{deps: d, Grace: grace}
}

func (m *NoShowMarker) Process(ctx context.Context, j *jobs.Job) (jobs.Report, error) {
	ok, err := m.deps.Clinic.MarkNoShow(ctx, j.EntityID, m.deps.now().Add(-m.Grace))
	if err != nil {
		return jobs.Report{}, fmt.Errorf("mark no-show: %w", err)
	}
	if ok {
		return jobs.Report{Outcome: jobs.RunApplied, Reason: "marked no-show"}, nil
	}

	a, err := m.deps.Clinic.Appointment(ctx, j.EntityID)
	switch {
	case errors.Is(err, clinic.ErrNotFound):
		return skipped("appointment not found")
	case err != nil:
		return jobs.Report{}, fmt.Errorf("load appointment: %w", err)
	case !a.Status.Open():
		return skipped("appointment " + string(a.Status))
	default:
		return skipped("appointment moved")
	}
}
