package delivery

import (
	"time"

	"clinicmsg/internal/jobs"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

// Done reports whether the transport accepted the message.
func (s Status) Done() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// RecordID is the delivery id of one incarnation of a job. It doubles as the
// idempotency key handed to the transport.
func RecordID(jobID, token string) string {
	return "del_" + jobID + "_" + token
}

// Record is the outbound message log: written PENDING, moved to SENDING right
// before the transport is called, then updated with the outcome. A record
// left SENDING means the outcome of that call is unknown until a status
// callback carrying the record id reconciles it.
type Record struct {
	ID                 string       `gorm:"primaryKey;size:300" json:"id"`
	JobID              string       `gorm:"size:200;index;not null" json:"job_id"`
	JobType            jobs.JobType `gorm:"type:text;not null" json:"job_type"`
	EntityID           string       `gorm:"size:64;not null" json:"entity_id"`
	Recipient          string       `gorm:"size:32;not null" json:"recipient"`
	Content            string       `gorm:"type:text" json:"content"`
	TransportMessageID *string      `gorm:"size:200;uniqueIndex:uq_delivery_transport_id" json:"transport_message_id,omitempty"`
	Status             Status       `gorm:"type:text;index;not null" json:"status"`
	Attempts           int          `gorm:"not null;default:0" json:"attempts"`
	LastError          *string      `gorm:"type:text" json:"last_error,omitempty"`
	SentAt             *time.Time   `json:"sent_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (Record) TableName() string { return "delivery_records" }
