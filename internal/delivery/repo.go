package delivery

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("delivery record not found")

var (
	unsent     = []Status{StatusPending, StatusFailed}
	unresolved = []Status{StatusPending, StatusSending, StatusFailed}
)

type Repo struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{DB: db, Now: time.Now}
}

func (r *Repo) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *Repo) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// EnsureIntent stores rec as PENDING unless a record with its id exists.
// The stored record is returned either way.
func (r *Repo) EnsureIntent(ctx context.Context, rec *Record) (*Record, bool, error) {
	now := r.now()
	rec.Status = StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}
	cur, err := r.Get(ctx, rec.ID)
	return cur, false, err
}

// BeginSend marks the record as handed to the transport and counts the
// attempt. It applies to PENDING and FAILED records, and to SENDING records
// last touched before staleBefore. False means another attempt owns it or it
// is already sent.
func (r *Repo) BeginSend(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	now := r.now()
	res := r.DB.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND (status IN ? OR (status = ? AND updated_at < ?))",
			id, unsent, StatusSending, staleBefore.UTC()).
		Updates(map[string]any{
			"status":     StatusSending,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkSent records transport acceptance of the attempt started by BeginSend.
// It returns false when a callback already resolved the record.
func (r *Repo) MarkSent(ctx context.Context, id, transportID, content string) (bool, error) {
	now := r.now()
	values := map[string]any{
		"status":     StatusSent,
		"content":    content,
		"last_error": nil,
		"sent_at":    now,
		"updated_at": now,
	}
	if transportID != "" {
		values["transport_message_id"] = transportID
	}
	res := r.DB.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ?", id, StatusSending).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ?", id, StatusSending).
		Updates(map[string]any{
			"status":     StatusFailed,
			"last_error": errMsg,
			"updated_at": r.now(),
		})
	return res.RowsAffected == 1, res.Error
}

// Reconcile resolves a record from a status callback that carries the record
// id as callback data. It covers sends whose transport id was never stored,
// such as a crash between the send and MarkSent.
func (r *Repo) Reconcile(ctx context.Context, id, transportID string, status Status, errMsg string) (bool, error) {
	now := r.now()
	values := map[string]any{"status": status, "updated_at": now}
	var from []Status
	switch status {
	case StatusSent, StatusDelivered, StatusRead:
		from = unresolved
		values["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", now)
	case StatusFailed:
		from = []Status{StatusPending, StatusSending}
	default:
		return false, nil
	}
	if transportID != "" {
		values["transport_message_id"] = transportID
	}
	if errMsg != "" {
		values["last_error"] = errMsg
	}
	res := r.DB.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

// UpdateOutcome applies a transport status callback. Statuses only move
// forward (SENT → DELIVERED → READ); late or repeated callbacks are no-ops.
func (r *Repo) UpdateOutcome(ctx context.Context, transportID string, status Status, errMsg string) (bool, error) {
	var from []Status
	switch status {
	case StatusDelivered:
		from = []Status{StatusSent}
	case StatusRead:
		from = []Status{StatusSent, StatusDelivered}
	case StatusFailed:
		from = []Status{StatusSent}
	default:
		return false, nil
	}

	values := map[string]any{"status": status, "updated_at": r.now()}
	if errMsg != "" {
		values["last_error"] = errMsg
	}
	res := r.DB.WithContext(ctx).Model(&Record{}).
		Where("transport_message_id = ? AND status IN ?", transportID, from).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) ListByJob(ctx context.Context, jobID string) ([]Record, error) {
	var out []Record
	err := r.DB.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}
