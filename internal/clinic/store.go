package clinic

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("clinic record not found")

// Store reads the clinic tables and applies the few state changes the engine
// owns. Every change is a single conditional UPDATE or upsert so concurrent
// webhooks and workers never lose an update.
type Store struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{DB: tx, Now: s.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func first[T any](ctx context.Context, db *gorm.DB, query string, args ...any) (*T, error) {
	var out T
	if err := db.WithContext(ctx).Where(query, args...).First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) Appointment(ctx context.Context, id string) (*Appointment, error) {
	return first[Appointment](ctx, s.DB, "id = ?", id)
}

func (s *Store) Consultation(ctx context.Context, id string) (*Consultation, error) {
	return first[Consultation](ctx, s.DB, "id = ?", id)
}

func (s *Store) Patient(ctx context.Context, id string) (*Patient, error) {
	return first[Patient](ctx, s.DB, "id = ?", id)
}

func (s *Store) PatientByPhone(ctx context.Context, phone string) (*Patient, error) {
	return first[Patient](ctx, s.DB, "phone = ?", phone)
}

// NextAppointment returns the patient's earliest open appointment after the
// current time.
func (s *Store) NextAppointment(ctx context.Context, patientID string) (*Appointment, error) {
	var a Appointment
	err := s.DB.WithContext(ctx).
		Where("patient_id = ? AND status IN ? AND scheduled_at > ?", patientID, openStatuses, s.now()).
		Order("scheduled_at asc").
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) HasUpcomingAppointment(ctx context.Context, patientID string) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&Appointment{}).
		Where("patient_id = ? AND status IN ? AND scheduled_at > ?", patientID, openStatuses, s.now()).
		Count(&n).Error
	return n > 0, err
}

// ConsultationsNear lists the patient's consultations whose suggested
// follow-up date is within window of near.
func (s *Store) ConsultationsNear(ctx context.Context, patientID string, near time.Time, window time.Duration) ([]string, error) {
	near = near.UTC()
	var ids []string
	err := s.DB.WithContext(ctx).Model(&Consultation{}).
		Where("patient_id = ? AND suggested_follow_up_at BETWEEN ? AND ?", patientID, near.Add(-window), near.Add(window)).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// Confirm moves a SCHEDULED appointment to CONFIRMED.
func (s *Store) Confirm(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res := s.DB.WithContext(ctx).Model(&Appointment{}).
		Where("id = ? AND status = ?", id, AppointmentScheduled).
		Updates(map[string]any{"status": AppointmentConfirmed, "confirmed_at": now, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

// Cancel moves an open appointment to CANCELLED.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Appointment{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Updates(map[string]any{"status": AppointmentCancelled, "updated_at": s.now()})
	return res.RowsAffected == 1, res.Error
}

// MarkNoShow flags an open appointment scheduled at or before cutoff as
// NO_SHOW.
func (s *Store) MarkNoShow(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Appointment{}).
		Where("id = ? AND status IN ? AND scheduled_at <= ?", id, openStatuses, cutoff.UTC()).
		Updates(map[string]any{"status": AppointmentNoShow, "updated_at": s.now()})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) IncrementInbound(ctx context.Context, patientID string) error {
	res := s.DB.WithContext(ctx).Model(&Patient{}).
		Where("id = ?", patientID).
		Updates(map[string]any{
			"inbound_count": gorm.Expr("inbound_count + 1"),
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchProspect records one more message from an unknown phone and returns
// the running count.
func (s *Store) TouchProspect(ctx context.Context, phone string) (int, error) {
	now := s.now()
	db := s.DB.WithContext(ctx)
	p := Prospect{Phone: phone, MessageCount: 1, FirstSeenAt: now, LastSeenAt: now}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "phone"}},
		DoUpdates: clause.Assignments(map[string]any{
			"message_count": gorm.Expr("prospects.message_count + 1"),
			"last_seen_at":  now,
		}),
	}).Create(&p).Error
	if err != nil {
		return 0, err
	}

	var cur Prospect
	if err := db.Where("phone = ?", phone).First(&cur).Error; err != nil {
		return 0, err
	}
	return cur.MessageCount, nil
}
