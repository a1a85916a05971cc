package jobs

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrNotFailed = errors.New("job is not failed")
)

var liveStatuses = []Status{StatusPending, StatusActive}

// Repo is the durable job store. It is safe for use by several worker
// processes sharing one database; every state change is a conditional
// update on (id, token, status).
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

// Add inserts j unless a live (PENDING/ACTIVE) job with the same id exists,
// in which case that job is returned untouched. A retained terminal row with
// the same id is replaced.
func (r *Repo) Add(ctx context.Context, j *Job) (created bool, existing *Job, err error) {
	now := r.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = StatusPending
	}

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(j)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			created = true
			return nil
		}

		var cur Job
		if err := tx.Where("id = ?", j.ID).First(&cur).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		} else if !cur.Status.Terminal() {
			existing = &cur
			return nil
		}

		if err := tx.Where("id = ? AND status NOT IN ?", j.ID, liveStatuses).Delete(&Job{}).Error; err != nil {
			return err
		}
		if err := tx.Create(j).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, existing, err
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// Remove deletes the live jobs among ids and reports how many were removed.
// Ids with no live job are not an error.
func (r *Repo) Remove(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.DB.WithContext(ctx).
		Where("id IN ? AND status IN ?", ids, liveStatuses).
		Delete(&Job{})
	return res.RowsAffected, res.Error
}

type ListFilter struct {
	Status    Status
	Type      JobType
	EntityID  string
	PatientID string
	Limit     int
}

func (r *Repo) List(ctx context.Context, f ListFilter) ([]Job, error) {
	q := r.DB.WithContext(ctx).Model(&Job{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.PatientID != "" {
		q = q.Where("patient_id = ?", f.PatientID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []Job
	err := q.Order("fire_at asc").Limit(limit).Find(&out).Error
	return out, err
}

// Claim moves up to limit due PENDING jobs to ACTIVE for workerID.
// Each transition is a compare-and-swap on status, so two workers racing on
// the same job cannot both win it.
func (r *Repo) Claim(ctx context.Context, workerID string, limit int) ([]Job, error) {
	db := r.DB.WithContext(ctx)
	now := r.now()

	var due []struct {
		ID    string
		Token string
	}
	if err := db.Model(&Job{}).
		Select("id", "token").
		Where("status = ? AND fire_at <= ?", StatusPending, now).
		Order("fire_at asc").
		Limit(limit).
		Find(&due).Error; err != nil {
		return nil, err
	}

	claimed := make([]Job, 0, len(due))
	for _, c := range due {
		// Token and fire_at are re-checked: a reschedule between the scan and
		// this update replaces the row with a later incarnation.
		res := db.Model(&Job{}).
			Where("id = ? AND token = ? AND status = ? AND fire_at <= ?", c.ID, c.Token, StatusPending, now).
			Updates(map[string]any{
				"status":     StatusActive,
				"locked_by":  workerID,
				"locked_at":  now,
				"updated_at": now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		var j Job
		if err := db.Where("id = ?", c.ID).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue // cancelled right after the claim
			}
			return claimed, err
		}
		if j.Status != StatusActive || j.LockedBy == nil || *j.LockedBy != workerID {
			continue
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// StillClaimed reports whether j is still the ACTIVE incarnation of its id.
// Processors call it right before side effects to observe cancellations.
func (r *Repo) StillClaimed(ctx context.Context, j *Job) (bool, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND token = ? AND status = ?", j.ID, j.Token, StatusActive).
		Count(&n).Error
	return n == 1, err
}

func (r *Repo) finish(ctx context.Context, j *Job, values map[string]any) (bool, error) {
	values["updated_at"] = r.now()
	values["locked_by"] = nil
	values["locked_at"] = nil
	res := r.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND token = ? AND status = ?", j.ID, j.Token, StatusActive).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

// Complete marks j COMPLETED. It returns false when the job was cancelled
// while it ran.
func (r *Repo) Complete(ctx context.Context, j *Job) (bool, error) {
	now := r.now()
	return r.finish(ctx, j, map[string]any{
		"status":      StatusCompleted,
		"finished_at": now,
		"last_error":  nil,
	})
}

func (r *Repo) RetryLater(ctx context.Context, j *Job, attempts int, fireAt time.Time, errMsg string) (bool, error) {
	return r.finish(ctx, j, map[string]any{
		"status":     StatusPending,
		"attempts":   attempts,
		"fire_at":    fireAt.UTC(),
		"last_error": errMsg,
	})
}

func (r *Repo) Fail(ctx context.Context, j *Job, attempts int, errMsg string) (bool, error) {
	return r.finish(ctx, j, map[string]any{
		"status":      StatusFailed,
		"attempts":    attempts,
		"last_error":  errMsg,
		"finished_at": r.now(),
	})
}

// RequeueStalled returns ACTIVE jobs claimed longer than threshold ago to
// PENDING, counting the lost run as an attempt. A stalled job with no attempt
// left moves to FAILED instead. It reports requeued and failed counts.
func (r *Repo) RequeueStalled(ctx context.Context, threshold time.Duration) (requeued, failed int64, err error) {
	now := r.now()
	stalled := "status = ? AND locked_at IS NOT NULL AND locked_at < ?"
	cutoff := now.Add(-threshold)

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Job{}).
			Where(stalled+" AND attempts + 1 >= max_attempts", StatusActive, cutoff).
			Updates(map[string]any{
				"status":      StatusFailed,
				"locked_by":   nil,
				"locked_at":   nil,
				"attempts":    gorm.Expr("attempts + 1"),
				"last_error":  "stalled: worker did not finish; attempts exhausted",
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		failed = res.RowsAffected

		res = tx.Model(&Job{}).
			Where(stalled, StatusActive, cutoff).
			Updates(map[string]any{
				"status":     StatusPending,
				"locked_by":  nil,
				"locked_at":  nil,
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": "stalled: worker did not finish",
				"updated_at": now,
			})
		requeued = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

// Prune deletes COMPLETED jobs finished before completedBefore and FAILED
// jobs finished before failedBefore.
func (r *Repo) Prune(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).
		Where("(status = ? AND finished_at < ?) OR (status = ? AND finished_at < ?)",
			StatusCompleted, completedBefore.UTC(), StatusFailed, failedBefore.UTC()).
		Delete(&Job{})
	return res.RowsAffected, res.Error
}

// Requeue puts a FAILED job back to PENDING with a fresh attempt budget.
func (r *Repo) Requeue(ctx context.Context, id string) (*Job, error) {
	now := r.now()
	res := r.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Updates(map[string]any{
			"status":      StatusPending,
			"attempts":    0,
			"fire_at":     now,
			"finished_at": nil,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return j, ErrNotFailed
	}
	return j, nil
}
