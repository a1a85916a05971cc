package jobs

import (
	"fmt"
	"time"
)

type JobType string

const (
	TypeConfirmation           JobType = "CONFIRMATION"
	TypeReminder24h            JobType = "REMINDER_24H"
	TypeReminder1h             JobType = "REMINDER_1H"
	TypeNoShowMark             JobType = "NO_SHOW_MARK"
	TypeFollowUpInitial        JobType = "FOLLOWUP_INITIAL"
	TypeFollowUpMid            JobType = "FOLLOWUP_MID"
	TypeFollowUpPreAppointment JobType = "FOLLOWUP_PRE_APPOINTMENT"
	TypeRebookingReminder      JobType = "REBOOKING_REMINDER"
)

// AppointmentJobTypes are the jobs derived from a single appointment id.
var AppointmentJobTypes = []JobType{TypeConfirmation, TypeReminder24h, TypeReminder1h, TypeNoShowMark}

// FollowUpJobTypes are the jobs derived from a single consultation id.
var FollowUpJobTypes = []JobType{TypeFollowUpInitial, TypeFollowUpMid, TypeFollowUpPreAppointment, TypeRebookingReminder}

func (t JobType) Valid() bool {
	switch t {
	case TypeConfirmation, TypeReminder24h, TypeReminder1h, TypeNoShowMark,
		TypeFollowUpInitial, TypeFollowUpMid, TypeFollowUpPreAppointment, TypeRebookingReminder:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	// Cancelled jobs are deleted; the status only surfaces in results and logs.
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobID is the predictable id contract: "{jobType}-{entityId}".
// Cancellation by business entity depends on it, so ids are never random.
func JobID(t JobType, entityID string) string {
	return fmt.Sprintf("%s-%s", t, entityID)
}

// Payload captures the entity state a job was computed from, so processors
// can tell when the entity moved after scheduling.
type Payload struct {
	PatientID     string     `json:"patient_id,omitempty"`
	AppointmentAt *time.Time `json:"appointment_at,omitempty"`
	SuggestedAt   *time.Time `json:"suggested_at,omitempty"`
	FollowUpMode  string     `json:"follow_up_mode,omitempty"`
}

type Job struct {
	ID        string  `gorm:"primaryKey;type:text"`
	Type      JobType `gorm:"type:text;index;not null"`
	EntityID  string  `gorm:"type:text;index;not null"`
	PatientID string  `gorm:"type:text;index"`
	Token     string  `gorm:"type:text;not null"` // uuid per incarnation of ID

	Payload Payload `gorm:"serializer:json;type:text;not null"`

	FireAt time.Time `gorm:"index;not null"`
	Status Status    `gorm:"type:text;index;not null"` // PENDING/ACTIVE/COMPLETED/FAILED

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:5"`

	LockedBy *string    `gorm:"type:text"`
	LockedAt *time.Time `gorm:"index"`

	LastError  *string `gorm:"type:text"`
	FinishedAt *time.Time

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Job) TableName() string { return "scheduled_jobs" }
