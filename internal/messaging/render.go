package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clinicmsg/internal/jobs"
)

var (
	ErrNoTemplate   = errors.New("no template for job type")
	ErrMissingField = errors.New("snapshot is missing a required field")
)

// Snapshot is the current entity data a message is rendered from.
type Snapshot struct {
	PatientName   string     `json:"patient_name"`
	Phone         string     `json:"phone"`
	AppointmentID string     `json:"appointment_id,omitempty"`
	AppointmentAt *time.Time `json:"appointment_at,omitempty"`
	SuggestedAt   *time.Time `json:"suggested_at,omitempty"`
}

type Renderer interface {
	Render(ctx context.Context, t jobs.JobType, s Snapshot) (string, error)
}

type AppointmentMessage struct {
	Clinic  string
	Patient string
	When    string
}

type FollowUpMessage struct {
	Clinic    string
	Patient   string
	Suggested string
}

func confirmationText(m AppointmentMessage) string {
	return fmt.Sprintf("Hola %s, tu cita en %s quedó agendada para el %s. "+
		"Responde CONFIRMAR para confirmarla o CANCELAR si no puedes asistir.", m.Patient, m.Clinic, m.When)
}

func reminder24hText(m AppointmentMessage) string {
	return fmt.Sprintf("Hola %s, te recordamos tu cita en %s mañana, %s. "+
		"Responde CONFIRMAR o CANCELAR.", m.Patient, m.Clinic, m.When)
}

func reminder1hText(m AppointmentMessage) string {
	return fmt.Sprintf("Hola %s, tu cita en %s es en una hora (%s). ¡Te esperamos!", m.Patient, m.Clinic, m.When)
}

func followUpInitialText(m FollowUpMessage) string {
	return fmt.Sprintf("Hola %s, ¿cómo te has sentido desde tu última visita a %s? "+
		"Si tienes cualquier duda, escríbenos por aquí.", m.Patient, m.Clinic)
}

func followUpMidText(m FollowUpMessage) string {
	return fmt.Sprintf("Hola %s, queríamos saber cómo va tu recuperación. "+
		"En %s seguimos pendientes de ti.", m.Patient, m.Clinic)
}

func followUpPreText(m FollowUpMessage) string {
	return fmt.Sprintf("Hola %s, se acerca la fecha sugerida para tu control (%s). "+
		"¿Necesitas algo antes de tu próxima visita a %s?", m.Patient, m.Suggested, m.Clinic)
}

func rebookingText(m FollowUpMessage) string {
	return fmt.Sprintf("Hola %s, tu control en %s está sugerido para el %s y aún no tienes cita. "+
		"Responde a este mensaje para agendarla.", m.Patient, m.Clinic, m.Suggested)
}

type builder func(clinic string, loc *time.Location, s Snapshot) (string, error)

func appointment(fn func(AppointmentMessage) string) builder {
	return func(clinic string, loc *time.Location, s Snapshot) (string, error) {
		if s.AppointmentAt == nil {
			return "", fmt.Errorf("%w: appointment_at", ErrMissingField)
		}
		return fn(AppointmentMessage{Clinic: clinic, Patient: firstName(s.PatientName), When: formatWhen(*s.AppointmentAt, loc)}), nil
	}
}

func followUp(fn func(FollowUpMessage) string) builder {
	return func(clinic string, loc *time.Location, s Snapshot) (string, error) {
		if s.SuggestedAt == nil {
			return "", fmt.Errorf("%w: suggested_at", ErrMissingField)
		}
		return fn(FollowUpMessage{Clinic: clinic, Patient: firstName(s.PatientName), Suggested: formatDay(*s.SuggestedAt, loc)}), nil
	}
}

var builders = map[jobs.JobType]builder{
	jobs.TypeConfirmation:           appointment(confirmationText),
	jobs.TypeReminder24h:            appointment(reminder24hText),
	jobs.TypeReminder1h:             appointment(reminder1hText),
	jobs.TypeFollowUpInitial:        followUp(followUpInitialText),
	jobs.TypeFollowUpMid:            followUp(followUpMidText),
	jobs.TypeFollowUpPreAppointment: followUp(followUpPreText),
	jobs.TypeRebookingReminder:      followUp(rebookingText),
}

// TemplateRenderer renders the built-in Spanish copy.
type TemplateRenderer struct {
	Clinic   string
	Location *time.Location
}

func NewTemplateRenderer(clinic string, loc *time.Location) *TemplateRenderer {
	if loc == nil {
		loc = time.UTC
	}
	return &TemplateRenderer{Clinic: clinic, Location: loc}
}

func (r *TemplateRenderer) Render(_ context.Context, t jobs.JobType, s Snapshot) (string, error) {
	b, ok := builders[t]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTemplate, t)
	}
	return b(r.Clinic, r.Location, s)
}

var (
	weekdays = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}
	months   = [...]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio",
		"agosto", "septiembre", "octubre", "noviembre", "diciembre"}
)

func formatDay(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	return fmt.Sprintf("%s %d de %s", weekdays[t.Weekday()], t.Day(), months[t.Month()-1])
}

func formatWhen(t time.Time, loc *time.Location) string {
	return formatDay(t, loc) + " a las " + t.In(loc).Format("15:04")
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return "paciente"
}

// RemoteRenderer asks the content service for the text. Failures surface as
// errors so the job is retried.
type RemoteRenderer struct {
	url    string
	client *Client
}

func NewRemoteRenderer(url string, client *Client) *RemoteRenderer {
	return &RemoteRenderer{url: url, client: client}
}

type renderRequest struct {
	JobType  jobs.JobType `json:"job_type"`
	Snapshot Snapshot     `json:"snapshot"`
}

type renderResponse struct {
	Text string `json:"text"`
}

func (r *RemoteRenderer) Render(ctx context.Context, t jobs.JobType, s Snapshot) (string, error) {
	body, err := json.Marshal(renderRequest{JobType: t, Snapshot: s})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", t, err)
	}
	defer resp.Body.Close()

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("render %s: decode response: %w", t, err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", fmt.Errorf("render %s: empty text", t)
	}
	return out.Text, nil
}
