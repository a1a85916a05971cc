package clinic

import (
	"context"
	"fmt"

	"clinicmsg/internal/jobs"

	"github.com/rs/zerolog"
)

// Lifecycle turns appointment and consultation events from the clinic system
// into scheduler calls. Entity state is always read back from the store.
type Lifecycle struct {
	store *Store
	sched *jobs.Scheduler
	log   zerolog.Logger
}

func NewLifecycle(store *Store, sched *jobs.Scheduler, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{store: store, sched: sched, log: log.With().Str("component", "lifecycle").Logger()}
}

func appointmentRef(a *Appointment) jobs.AppointmentRef {
	return jobs.AppointmentRef{ID: a.ID, PatientID: a.PatientID, ScheduledAt: a.ScheduledAt}
}

// consultationRef returns false when the consultation carries no follow-up.
func consultationRef(c *Consultation) (jobs.ConsultationRef, bool) {
	if c.SuggestedFollowUpAt == nil {
		return jobs.ConsultationRef{}, false
	}
	mode := jobs.FollowUpMode(c.FollowUpMode)
	if mode == "" {
		mode = jobs.FollowUpBoth
	}
	return jobs.ConsultationRef{
		ID:          c.ID,
		PatientID:   c.PatientID,
		SuggestedAt: *c.SuggestedFollowUpAt,
		Mode:        mode,
	}, true
}

func (l *Lifecycle) openAppointment(ctx context.Context, id string) (*Appointment, error) {
	a, err := l.store.Appointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment %s: %w", id, err)
	}
	return a, nil
}

// AppointmentCreated schedules the appointment's jobs and stops the rebooking
// nag of consultations whose suggested date the booking satisfies.
func (l *Lifecycle) AppointmentCreated(ctx context.Context, id string) ([]jobs.Result, error) {
	a, err := l.openAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.Open() {
		l.log.Info().Str("appointment_id", id).Str("status", string(a.Status)).Msg("appointment not open, nothing to schedule")
		return nil, nil
	}
	results, err := l.sched.ScheduleAppointment(ctx, appointmentRef(a))
	if err != nil {
		return results, err
	}
	if _, err := l.sched.CancelUpcomingReminders(ctx, a.PatientID, a.ScheduledAt); err != nil {
		return results, err
	}
	return results, nil
}

func (l *Lifecycle) AppointmentRescheduled(ctx context.Context, id string) ([]jobs.Result, error) {
	a, err := l.openAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.Open() {
		_, err := l.sched.CancelJobsForAppointment(ctx, id)
		return nil, err
	}
	results, err := l.sched.RescheduleAppointment(ctx, appointmentRef(a))
	if err != nil {
		return results, err
	}
	if _, err := l.sched.CancelUpcomingReminders(ctx, a.PatientID, a.ScheduledAt); err != nil {
		return results, err
	}
	return results, nil
}

// AppointmentClosed handles cancellation and completion alike.
func (l *Lifecycle) AppointmentClosed(ctx context.Context, id string) (int64, error) {
	return l.sched.CancelJobsForAppointment(ctx, id)
}

func (l *Lifecycle) ConsultationCompleted(ctx context.Context, id string) ([]jobs.Result, error) {
	c, err := l.store.Consultation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load consultation %s: %w", id, err)
	}
	ref, ok := consultationRef(c)
	if !ok {
		l.log.Debug().Str("consultation_id", id).Msg("no follow-up suggested")
		return nil, nil
	}
	return l.sched.ScheduleFollowUpSequence(ctx, ref)
}

// FollowUpChanged replaces the follow-up sequence. A cleared suggested date
// only cancels.
func (l *Lifecycle) FollowUpChanged(ctx context.Context, id string) ([]jobs.Result, error) {
	c, err := l.store.Consultation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load consultation %s: %w", id, err)
	}
	ref, ok := consultationRef(c)
	if !ok {
		_, err := l.sched.CancelFollowUpSequence(ctx, id)
		return nil, err
	}
	return l.sched.RescheduleFollowUpSequence(ctx, ref)
}
