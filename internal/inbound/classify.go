package inbound

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Intent string

const (
	IntentNone    Intent = "NONE"
	IntentConfirm Intent = "CONFIRM"
	IntentCancel  Intent = "CANCEL"
)

// Classification is what a patient asked for. AppointmentID is set when
// the message was a button reply that names the appointment.
type Classification struct {
	Intent        Intent
	AppointmentID string
}

type Classifier interface {
	Classify(body, buttonPayload string) Classification
}

// KeywordClassifier recognizes button payloads of the form
// "CONFIRM:<appointment id>" and a few Spanish keywords in free text.
type KeywordClassifier struct{}

var keywords = map[string]Intent{
	"confirmar":  IntentConfirm,
	"confirmo":   IntentConfirm,
	"confirmado": IntentConfirm,
	"si":         IntentConfirm,
	"cancelar":   IntentCancel,
	"cancelo":    IntentCancel,
	"anular":     IntentCancel,
}

func (KeywordClassifier) Classify(body, buttonPayload string) Classification {
	if buttonPayload != "" {
		kind, id, _ := strings.Cut(buttonPayload, ":")
		switch Intent(strings.ToUpper(kind)) {
		case IntentConfirm:
			return Classification{Intent: IntentConfirm, AppointmentID: id}
		case IntentCancel:
			return Classification{Intent: IntentCancel, AppointmentID: id}
		}
	}

	words := strings.FieldsFunc(fold(body), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	// only short replies count; anything longer goes to a human
	if len(words) == 0 || len(words) > 3 {
		return Classification{Intent: IntentNone}
	}
	for _, w := range words {
		if in, ok := keywords[w]; ok {
			return Classification{Intent: in}
		}
	}
	return Classification{Intent: IntentNone}
}

// fold lowercases s and strips accents, so "Sí" matches "si".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
