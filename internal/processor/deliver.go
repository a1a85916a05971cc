// Package processor holds the job processors: each re-reads the entity a job
// refers to, decides whether the job still applies, and sends at most one
// message per job incarnation.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicmsg/internal/clinic"
	"clinicmsg/internal/delivery"
	"clinicmsg/internal/jobs"
	"clinicmsg/internal/messaging"

	"github.com/rs/zerolog"
)

type Deps struct {
	Jobs       *jobs.Repo
	Clinic     *clinic.Store
	Deliveries *delivery.Repo
	Renderer   messaging.Renderer
	Sender     messaging.Sender
	Log        zerolog.Logger
	Now        func() time.Time
	// ReconcileWindow is how long an attempt with an unknown outcome waits
	// for a status callback before it is sent again.
	ReconcileWindow time.Duration
}

const defaultReconcileWindow = 10 * time.Minute

func (d Deps) reconcileWindow() time.Duration {
	if d.ReconcileWindow <= 0 {
		return defaultReconcileWindow
	}
	return d.ReconcileWindow
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// Register wires every processor into pool.
func Register(pool *jobs.Pool, d Deps, noShowGrace time.Duration) {
	am := NewAppointmentMessenger(d)
	for _, t := range []jobs.JobType{jobs.TypeConfirmation, jobs.TypeReminder24h, jobs.TypeReminder1h} {
		pool.Register(t, am)
	}
	pool.Register(jobs.TypeNoShowMark, NewNoShowMarker(d, noShowGrace))
	fm := NewFollowUpMessenger(d)
	for _, t := range jobs.FollowUpJobTypes {
		pool.Register(t, fm)
	}
}

func skipped(reason string) (jobs.Report, error) {
	return jobs.Report{Outcome: jobs.RunSkipped, Reason: reason}, nil
}

// recipient loads the patient a message goes to.
func (d Deps) recipient(ctx context.Context, patientID string) (*clinic.Patient, error) {
	p, err := d.Clinic.Patient(ctx, patientID)
	if errors.Is(err, clinic.ErrNotFound) {
		return nil, jobs.Permanent(fmt.Errorf("patient %s not found", patientID))
	}
	if err != nil {
		return nil, err
	}
	if p.Phone == "" {
		return nil, jobs.Permanent(fmt.Errorf("patient %s has no phone", patientID))
	}
	return p, nil
}

// deliver renders and sends one message for j. The delivery record is
// written before the transport is called and keyed by the job incarnation.
// It is moved to SENDING before the call, so a retry after a crash finds an
// attempt with an unknown outcome and waits for the status callback that
// carries the record id instead of sending again.
func (d Deps) deliver(ctx context.Context, j *jobs.Job, p *clinic.Patient, snap messaging.Snapshot) (jobs.Report, error) {
	log := d.Log.With().Str("job_id", j.ID).Logger()
	id := delivery.RecordID(j.ID, j.Token)

	prev, err := d.Deliveries.Get(ctx, id)
	switch {
	case err == nil && prev.Status.Done():
		return jobs.Report{Outcome: jobs.RunAlreadySent, Reason: "delivery " + string(prev.Status)}, nil
	case err != nil && !errors.Is(err, delivery.ErrNotFound):
		return jobs.Report{}, fmt.Errorf("load delivery: %w", err)
	}

	snap.PatientName = p.Name
	snap.Phone = p.Phone
	text, err := d.Renderer.Render(ctx, j.Type, snap)
	if err != nil {
		if errors.Is(err, messaging.ErrNoTemplate) || errors.Is(err, messaging.ErrMissingField) {
			return jobs.Report{}, jobs.Permanent(err)
		}
		return jobs.Report{}, fmt.Errorf("render: %w", err)
	}

	rec, _, err := d.Deliveries.EnsureIntent(ctx, &delivery.Record{
		ID:        id,
		JobID:     j.ID,
		JobType:   j.Type,
		EntityID:  j.EntityID,
		Recipient: p.Phone,
		Content:   text,
	})
	if err != nil {
		return jobs.Report{}, fmt.Errorf("record intent: %w", err)
	}
	if rec.Status.Done() {
		return jobs.Report{Outcome: jobs.RunAlreadySent, Reason: "delivery " + string(rec.Status)}, nil
	}
	now := d.now()
	staleBefore := now.Add(-d.reconcileWindow())
	if rec.Status == delivery.StatusSending && rec.UpdatedAt.After(staleBefore) {
		return jobs.Report{}, jobs.Defer(errors.New("previous send outcome unknown, awaiting status callback"),
			rec.UpdatedAt.Add(d.reconcileWindow()))
	}

	// last check before the side effect
	claimed, err := d.Jobs.StillClaimed(ctx, j)
	if err != nil {
		return jobs.Report{}, fmt.Errorf("check claim: %w", err)
	}
	if !claimed {
		return skipped("job cancelled before send")
	}

	begun, err := d.Deliveries.BeginSend(ctx, id, staleBefore)
	if err != nil {
		return jobs.Report{}, fmt.Errorf("begin send: %w", err)
	}
	if !begun {
		// resolved or retaken since it was read
		return jobs.Report{}, fmt.Errorf("delivery %s changed before send", id)
	}
	if rec.Status == delivery.StatusSending {
		log.Warn().Str("delivery_id", id).Msg("no status callback for previous attempt, sending again")
	}

	res, sendErr := d.Sender.Send(ctx, messaging.OutboundMessage{To: p.Phone, Text: text, IdempotencyKey: id})
	if sendErr != nil {
		if _, err := d.Deliveries.MarkFailed(ctx, id, sendErr.Error()); err != nil {
			log.Error().Err(err).Msg("record failed delivery")
		}
		if messaging.IsPermanent(sendErr) {
			return jobs.Report{}, jobs.Permanent(sendErr)
		}
		return jobs.Report{}, sendErr
	}

	if _, err := d.Deliveries.MarkSent(ctx, id, res.MessageID, text); err != nil {
		// the record stays SENDING; the retry waits for the callback
		return jobs.Report{}, fmt.Errorf("record sent delivery: %w", err)
	}
	log.Info().Str("delivery_id", id).Str("transport_message_id", res.MessageID).Msg("message sent")
	return jobs.Report{Outcome: jobs.RunSent}, nil
}
