package processor

import (
	"context"
	"errors"
	"fmt"

	"clinicmsg/internal/clinic"
	"clinicmsg/internal/jobs"
	"clinicmsg/internal/messaging"
)

// FollowUpMessenger sends the post-visit check-ins and the rebooking
// reminder.
type FollowUpMessenger struct {
	deps Deps
}

func NewFollowUpMessenger(d Deps) *FollowUpMessenger {
	return &FollowUpMessenger{deps: d}
}

func (m *FollowUpMessenger) Process(ctx context.Context, j *jobs.Job) (jobs.Report, error) {
	if j.Payload.SuggestedAt == nil {
		return jobs.Report{}, jobs.Permanent(errors.New("payload has no suggested date"))
	}

	c, err := m.deps.Clinic.Consultation(ctx, j.EntityID)
	if errors.Is(err, clinic.ErrNotFound) {
		return skipped("consultation not found")
	}
	if err != nil {
		return jobs.Report{}, fmt.Errorf("load consultation: %w", err)
	}

	if c.SuggestedFollowUpAt == nil || !c.SuggestedFollowUpAt.Equal(*j.Payload.SuggestedAt) {
		return skipped("suggested date changed")
	}
	if !c.SuggestedFollowUpAt.After(m.deps.now()) {
		return skipped("suggested date passed")
	}

	if j.Type == jobs.TypeRebookingReminder {
		booked, err := m.deps.Clinic.HasUpcomingAppointment(ctx, c.PatientID)
		if err != nil {
			return jobs.Report{}, fmt.Errorf("check upcoming appointments: %w", err)
		}
		if booked {
			return skipped("patient already booked")
		}
	}

	p, err := m.deps.recipient(ctx, c.PatientID)
	if err != nil {
		return jobs.Report{}, err
	}

	suggested := *c.SuggestedFollowUpAt
	return m.deps.deliver(ctx, j, p, messaging.Snapshot{SuggestedAt: &suggested})
}
