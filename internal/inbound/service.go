package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicmsg/internal/clinic"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Incoming is a transport message as received from the webhook.
type Incoming struct {
	TransportMessageID string
	From               string
	Body               string
	ButtonPayload      string
	MediaIDs           []string
	ReceivedAt         time.Time
}

type Result struct {
	Duplicate     bool   `json:"duplicate"`
	PatientID     string `json:"patient_id,omitempty"`
	Intent        Intent `json:"intent"`
	AppointmentID string `json:"appointment_id,omitempty"`
	Applied       bool   `json:"applied"`
	ProspectCount int    `json:"prospect_count,omitempty"`
}

// JobCanceller is the part of the scheduler inbound handling needs.
type JobCanceller interface {
	CancelJobsForAppointment(ctx context.Context, appointmentID string) (int64, error)
}

type Service struct {
	db         *gorm.DB
	store      *clinic.Store
	guard      Guard
	classifier Classifier
	jobs       JobCanceller
	log        zerolog.Logger
}

func NewService(db *gorm.DB, store *clinic.Store, classifier Classifier, jobs JobCanceller, log zerolog.Logger) *Service {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	return &Service{
		db:         db,
		store:      store,
		classifier: classifier,
		jobs:       jobs,
		log:        log.With().Str("component", "inbound").Logger(),
	}
}

// Handle records in and applies its effects in one transaction. A message
// already seen is acknowledged with Duplicate set and changes nothing.
func (s *Service) Handle(ctx context.Context, in Incoming) (Result, error) {
	if in.TransportMessageID == "" {
		return Result{}, errors.New("inbound message has no transport id")
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	log := s.log.With().Str("transport_message_id", in.TransportMessageID).Logger()

	var res Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := &Message{
			TransportMessageID: in.TransportMessageID,
			FromAddress:        in.From,
			Body:               in.Body,
			MediaIDs:           in.MediaIDs,
			Intent:             IntentNone,
			ReceivedAt:         in.ReceivedAt.UTC(),
		}
		admitted, err := s.guard.Admit(tx, msg)
		if err != nil {
			return fmt.Errorf("admit: %w", err)
		}
		if !admitted {
			res.Duplicate = true
			return nil
		}

		st := s.store.WithTx(tx)
		patient, err := st.PatientByPhone(ctx, in.From)
		if errors.Is(err, clinic.ErrNotFound) {
			n, err := st.TouchProspect(ctx, in.From)
			if err != nil {
				return fmt.Errorf("count prospect message: %w", err)
			}
			res.Intent = IntentNone
			res.ProspectCount = n
			return nil
		}
		if err != nil {
			return fmt.Errorf("find patient: %w", err)
		}

		res.PatientID = patient.ID
		if err := st.IncrementInbound(ctx, patient.ID); err != nil {
			return fmt.Errorf("count patient message: %w", err)
		}

		cls := s.classifier.Classify(in.Body, in.ButtonPayload)
		res.Intent = cls.Intent
		if cls.Intent != IntentNone {
			if err := s.apply(ctx, st, patient.ID, cls, &res); err != nil {
				return err
			}
		}

		updates := map[string]any{"patient_id": patient.ID, "intent": res.Intent}
		if res.AppointmentID != "" {
			updates["appointment_id"] = res.AppointmentID
		}
		return tx.Model(&Message{}).Where("id = ?", msg.ID).Updates(updates).Error
	})
	if err != nil {
		return Result{}, err
	}

	if res.Duplicate {
		log.Info().Msg("duplicate inbound message ignored")
		return res, nil
	}

	if res.Applied && res.Intent == IntentCancel && s.jobs != nil {
		// processors re-check the appointment, so a failure here only costs
		// a skipped run
		if _, err := s.jobs.CancelJobsForAppointment(ctx, res.AppointmentID); err != nil {
			log.Error().Err(err).Str("appointment_id", res.AppointmentID).Msg("cancel appointment jobs")
		}
	}

	log.Info().
		Str("patient_id", res.PatientID).
		Str("intent", string(res.Intent)).
		Bool("applied", res.Applied).
		Msg("inbound message handled")
	return res, nil
}

func (s *Service) apply(ctx context.Context, st *clinic.Store, patientID string, cls Classification, res *Result) error {
	apptID := cls.AppointmentID
	if apptID != "" {
		a, err := st.Appointment(ctx, apptID)
		if errors.Is(err, clinic.ErrNotFound) || (err == nil && a.PatientID != patientID) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
	} else {
		a, err := st.NextAppointment(ctx, patientID)
		if errors.Is(err, clinic.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find next appointment: %w", err)
		}
		apptID = a.ID
	}
	res.AppointmentID = apptID

	var err error
	switch cls.Intent {
	case IntentConfirm:
		res.Applied, err = st.Confirm(ctx, apptID)
	case IntentCancel:
		res.Applied, err = st.Cancel(ctx, apptID)
	}
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", cls.Intent, apptID, err)
	}
	return nil
}
