package processor

import (
	"context"
	"errors"
	"fmt"

	"clinicmsg/internal/clinic"
	"clinicmsg/internal/jobs"
	"clinicmsg/internal/messaging"
)

// AppointmentMessenger sends the confirmation and the two reminders.
type AppointmentMessenger struct {
	deps Deps
}

func NewAppointmentMessenger(d Deps) *AppointmentMessenger {
	return &AppointmentMessenger{deps: d}
}

func (m *AppointmentMessenger) Process(ctx context.Context, j *jobs.Job) (jobs.Report, error) {
	if j.Payload.AppointmentAt == nil {
		return jobs.Report{}, jobs.Permanent(errors.New("payload has no appointment time"))
	}

	a, err := m.deps.Clinic.Appointment(ctx, j.EntityID)
	if errors.Is(err, clinic.ErrNotFound) {
		return skipped("appointment not found")
	}
	if err != nil {
		return jobs.Report{}, fmt.Errorf("load appointment: %w", err)
	}

	if !a.Status.Open() {
		return skipped("appointment " + string(a.Status))
	}
	if !a.ScheduledAt.Equal(*j.Payload.AppointmentAt) {
		return skipped("appointment moved")
	}
	if j.Type != jobs.TypeConfirmation && !a.ScheduledAt.After(m.deps.now()) {
		return skipped("appointment time passed")
	}

	p, err := m.deps.recipient(ctx, a.PatientID)
	if err != nil {
		return jobs.Report{}, err
	}

	at := a.ScheduledAt
	return m.deps.deliver(ctx, j, p, messaging.Snapshot{AppointmentID: a.ID, AppointmentAt: &at})
}
