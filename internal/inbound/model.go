package inbound

import (
	"time"

	"github.com/lib/pq"
)

// Message is one inbound WhatsApp message. A row with a given
// TransportMessageID means that callback has already been handled.
type Message struct {
	ID                 uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	TransportMessageID string         `gorm:"size:200;not null;uniqueIndex:uq_inbound_transport_id" json:"transport_message_id"`
	FromAddress        string         `gorm:"size:32;not null;index" json:"from"`
	Body               string         `gorm:"type:text" json:"body"`
	MediaIDs           pq.StringArray `gorm:"type:text[]" json:"media_ids,omitempty"`
	PatientID          *string        `gorm:"size:64;index" json:"patient_id,omitempty"`
	Intent             Intent         `gorm:"size:16" json:"intent"`
	AppointmentID      *string        `gorm:"size:64" json:"appointment_id,omitempty"`
	ReceivedAt         time.Time      `gorm:"not null" json:"received_at"`
	CreatedAt          time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "inbound_messages" }
