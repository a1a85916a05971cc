package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrInvalidRef = errors.New("invalid entity reference")

type Outcome string

const (
	OutcomeScheduled Outcome = "scheduled"
	OutcomeTooLate   Outcome = "skipped-too-late"
	OutcomeExists    Outcome = "already-exists"
)

type Result struct {
	JobID   string    `json:"job_id"`
	Type    JobType   `json:"type"`
	Outcome Outcome   `json:"outcome"`
	FireAt  time.Time `json:"fire_at,omitempty"`
}

// Rules are the lead times used to turn entity times into fire times.
type Rules struct {
	ConfirmationDelay time.Duration
	Reminder24hLead   time.Duration
	Reminder1hLead    time.Duration
	NoShowAfter       time.Duration
	FollowUp          FollowUpRules
	// RebookingMatchWindow is the +/- window around a new appointment in
	// which a consultation's suggested date counts as "booked".
	RebookingMatchWindow time.Duration
}

func DefaultRules() Rules {
	return Rules{
		Reminder24hLead:      24 * time.Hour,
		Reminder1hLead:       time.Hour,
		NoShowAfter:          2 * time.Hour,
		FollowUp:             DefaultFollowUpRules(),
		RebookingMatchWindow: 7 * 24 * time.Hour,
	}
}

// ConsultationFinder lists consultation ids of a patient whose suggested
// follow-up date lies within window of near.
type ConsultationFinder interface {
	ConsultationsNear(ctx context.Context, patientID string, near time.Time, window time.Duration) ([]string, error)
}

type AppointmentRef struct {
	ID          string
	PatientID   string
	ScheduledAt time.Time
}

type ConsultationRef struct {
	ID          string
	PatientID   string
	SuggestedAt time.Time
	Mode        FollowUpMode
}

type Scheduler struct {
	repo   *Repo
	finder ConsultationFinder
	rules  Rules
	policy RetryPolicy
	log    zerolog.Logger
}

func NewScheduler(repo *Repo, finder ConsultationFinder, rules Rules, policy RetryPolicy, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:   repo,
		finder: finder,
		rules:  rules,
		policy: policy,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) schedule(ctx context.Context, t JobType, entityID, patientID string, fire FireTime, p Payload) (Result, error) {
	id := JobID(t, entityID)
	res := Result{JobID: id, Type: t}

	if fire.TooLate {
		s.log.Warn().Str("job_id", id).Str("job_type", string(t)).Msg("too late to schedule, skipping")
		res.Outcome = OutcomeTooLate
		return res, nil
	}

	j := &Job{
		ID:          id,
		Type:        t,
		EntityID:    entityID,
		PatientID:   patientID,
		Token:       uuid.NewString(),
		Payload:     p,
		FireAt:      fire.At.UTC(),
		Status:      StatusPending,
		MaxAttempts: s.policy.MaxAttempts,
	}
	created, existing, err := s.repo.Add(ctx, j)
	if err != nil {
		return res, fmt.Errorf("schedule %s: %w", id, err)
	}
	if !created {
		res.Outcome = OutcomeExists
		res.FireAt = existing.FireAt
		s.log.Debug().Str("job_id", id).Str("status", string(existing.Status)).Msg("job already scheduled")
		return res, nil
	}

	res.Outcome = OutcomeScheduled
	res.FireAt = j.FireAt
	s.log.Info().Str("job_id", id).Time("fire_at", j.FireAt).Msg("job scheduled")
	return res, nil
}

func appointmentPayload(a AppointmentRef) Payload {
	at := a.ScheduledAt.UTC()
	return Payload{PatientID: a.PatientID, AppointmentAt: &at}
}

func validAppointment(a AppointmentRef) error {
	if a.ID == "" || a.ScheduledAt.IsZero() {
		return ErrInvalidRef
	}
	return nil
}

func (s *Scheduler) ScheduleConfirmation(ctx context.Context, a AppointmentRef) (Result, error) {
	if err := validAppointment(a); err != nil {
		return Result{}, err
	}
	now := s.repo.now()
	fire := Immediate(now)
	if s.rules.ConfirmationDelay > 0 {
		fire = After(now, now, s.rules.ConfirmationDelay)
	}
	return s.schedule(ctx, TypeConfirmation, a.ID, a.PatientID, fire, appointmentPayload(a))
}

func (s *Scheduler) ScheduleReminder24h(ctx context.Context, a AppointmentRef) (Result, error) {
	if err := validAppointment(a); err != nil {
		return Result{}, err
	}
	fire := Before(s.repo.now(), a.ScheduledAt, s.rules.Reminder24hLead)
	return s.schedule(ctx, TypeReminder24h, a.ID, a.PatientID, fire, appointmentPayload(a))
}

func (s *Scheduler) ScheduleReminder1h(ctx context.Context, a AppointmentRef) (Result, error) {
	if err := validAppointment(a); err != nil {
		return Result{}, err
	}
	fire := Before(s.repo.now(), a.ScheduledAt, s.rules.Reminder1hLead)
	return s.schedule(ctx, TypeReminder1h, a.ID, a.PatientID, fire, appointmentPayload(a))
}

func (s *Scheduler) ScheduleNoShowMark(ctx context.Context, a AppointmentRef) (Result, error) {
	if err := validAppointment(a); err != nil {
		return Result{}, err
	}
	fire := After(s.repo.now(), a.ScheduledAt, s.rules.NoShowAfter)
	return s.schedule(ctx, TypeNoShowMark, a.ID, a.PatientID, fire, appointmentPayload(a))
}

// ScheduleAppointment schedules every job an appointment carries. It stops at
// the first store error.
func (s *Scheduler) ScheduleAppointment(ctx context.Context, a AppointmentRef) ([]Result, error) {
	steps := []func(context.Context, AppointmentRef) (Result, error){
		s.ScheduleConfirmation,
		s.ScheduleReminder24h,
		s.ScheduleReminder1h,
		s.ScheduleNoShowMark,
	}
	out := make([]Result, 0, len(steps))
	for _, step := range steps {
		r, err := step(ctx, a)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ScheduleFollowUpSequence schedules the stages of the post-visit sequence
// that qualify for the consultation's period. Partial sequences are normal.
func (s *Scheduler) ScheduleFollowUpSequence(ctx context.Context, c ConsultationRef) ([]Result, error) {
	if c.ID == "" || c.SuggestedAt.IsZero() || !c.Mode.Valid() {
		return nil, ErrInvalidRef
	}

	suggested := c.SuggestedAt.UTC()
	p := Payload{PatientID: c.PatientID, SuggestedAt: &suggested, FollowUpMode: string(c.Mode)}

	stages := PlanFollowUps(s.repo.now(), suggested, c.Mode, s.rules.FollowUp)
	out := make([]Result, 0, len(stages))
	for _, st := range stages {
		if st.Skip != "" {
			id := JobID(st.Type, c.ID)
			s.log.Warn().Str("job_id", id).Str("reason", st.Skip).Msg("follow-up stage not scheduled")
			out = append(out, Result{JobID: id, Type: st.Type, Outcome: OutcomeTooLate})
			continue
		}
		r, err := s.schedule(ctx, st.Type, c.ID, c.PatientID, st.Fire, p)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func idsFor(types []JobType, entityID string) []string {
	ids := make([]string, 0, len(types))
	for _, t := range types {
		ids = append(ids, JobID(t, entityID))
	}
	return ids
}

// CancelJobsForAppointment removes the confirmation, reminder and no-show
// jobs of an appointment. Zero removed is a normal outcome.
func (s *Scheduler) CancelJobsForAppointment(ctx context.Context, appointmentID string) (int64, error) {
	n, err := s.repo.Remove(ctx, idsFor(AppointmentJobTypes, appointmentID)...)
	if err != nil {
		return 0, fmt.Errorf("cancel appointment %s jobs: %w", appointmentID, err)
	}
	s.log.Info().Str("appointment_id", appointmentID).Int64("removed", n).Msg("appointment jobs cancelled")
	return n, nil
}

// CancelFollowUpSequence removes the follow-up and rebooking jobs of a
// consultation.
func (s *Scheduler) CancelFollowUpSequence(ctx context.Context, consultationID string) (int64, error) {
	n, err := s.repo.Remove(ctx, idsFor(FollowUpJobTypes, consultationID)...)
	if err != nil {
		return 0, fmt.Errorf("cancel consultation %s follow-ups: %w", consultationID, err)
	}
	s.log.Info().Str("consultation_id", consultationID).Int64("removed", n).Msg("follow-up sequence cancelled")
	return n, nil
}

// CancelUpcomingReminders stops the rebooking nag for consultations whose
// suggested date is near a newly booked appointment. Support check-ins of
// the same consultations are left alone.
func (s *Scheduler) CancelUpcomingReminders(ctx context.Context, patientID string, nearDate time.Time) (int64, error) {
	if s.finder == nil || patientID == "" {
		return 0, nil
	}
	consultations, err := s.finder.ConsultationsNear(ctx, patientID, nearDate, s.rules.RebookingMatchWindow)
	if err != nil {
		return 0, fmt.Errorf("find consultations near %s: %w", nearDate.Format(time.RFC3339), err)
	}
	ids := make([]string, 0, len(consultations))
	for _, cid := range consultations {
		ids = append(ids, JobID(TypeRebookingReminder, cid))
	}
	n, err := s.repo.Remove(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("cancel rebooking reminders: %w", err)
	}
	if n > 0 {
		s.log.Info().Str("patient_id", patientID).Int64("removed", n).Msg("rebooking reminders cancelled")
	}
	return n, nil
}

// RescheduleAppointment is an explicit cancel-then-create, so the new jobs
// get freshly computed fire times.
func (s *Scheduler) RescheduleAppointment(ctx context.Context, a AppointmentRef) ([]Result, error) {
	if err := validAppointment(a); err != nil {
		return nil, err
	}
	if _, err := s.CancelJobsForAppointment(ctx, a.ID); err != nil {
		return nil, err
	}
	return s.ScheduleAppointment(ctx, a)
}

func (s *Scheduler) RescheduleFollowUpSequence(ctx context.Context, c ConsultationRef) ([]Result, error) {
	if c.ID == "" {
		return nil, ErrInvalidRef
	}
	if _, err := s.CancelFollowUpSequence(ctx, c.ID); err != nil {
		return nil, err
	}
	return s.ScheduleFollowUpSequence(ctx, c)
}
