package clinic

import "time"

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "SCHEDULED"
	AppointmentConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
	AppointmentCompleted AppointmentStatus = "COMPLETED"
	AppointmentNoShow    AppointmentStatus = "NO_SHOW"
)

// Open reports whether the appointment can still be attended.
func (s AppointmentStatus) Open() bool {
	return s == AppointmentScheduled || s == AppointmentConfirmed
}

var openStatuses = []AppointmentStatus{AppointmentScheduled, AppointmentConfirmed}

type Patient struct {
	ID           string `gorm:"primaryKey;size:64"`
	Name         string `gorm:"size:200"`
	Phone        string `gorm:"size:32;uniqueIndex:uq_patients_phone"`
	InboundCount int    `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Appointment struct {
	ID          string            `gorm:"primaryKey;size:64"`
	PatientID   string            `gorm:"size:64;index:idx_appointments_patient"`
	ScheduledAt time.Time         `gorm:"not null;index:idx_appointments_patient"`
	Status      AppointmentStatus `gorm:"size:16;not null"`
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Consultation struct {
	ID                  string     `gorm:"primaryKey;size:64"`
	PatientID           string     `gorm:"size:64;index"`
	SuggestedFollowUpAt *time.Time `gorm:"index"`
	FollowUpMode        string     `gorm:"size:16"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Prospect counts messages from phone numbers that are not patients yet.
type Prospect struct {
	Phone        string `gorm:"primaryKey;size:32"`
	MessageCount int    `gorm:"not null;default:0"`
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}
