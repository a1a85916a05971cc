package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(body []byte, secret, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}

// InboundEvent is one message a patient sent us.
type InboundEvent struct {
	MessageID     string
	From          string
	Name          string
	Body          string
	ButtonPayload string
	MediaIDs      []string
	Timestamp     time.Time
}

// StatusEvent is a delivery status callback for a message we sent.
type StatusEvent struct {
	MessageID    string
	Status       string
	Recipient    string
	CallbackData string
	Error        string
	Timestamp    time.Time
}

type Webhook struct {
	Messages []InboundEvent
	Statuses []StatusEvent
}

type waMedia struct {
	ID string `json:"id"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
	Image    *waMedia `json:"image"`
	Document *waMedia `json:"document"`
	Audio    *waMedia `json:"audio"`
	Video    *waMedia `json:"video"`
}

type waStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	RecipientID  string `json:"recipient_id"`
	CallbackData string `json:"biz_opaque_callback_data"`
	Errors       []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

type waPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []waMessage `json:"messages"`
				Statuses []waStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func unixTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// normalizePhone renders a WhatsApp id as E.164.
func normalizePhone(waID string) string {
	if waID == "" || strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}

// DecodeWebhook flattens a WhatsApp Cloud API webhook body into messages and
// status callbacks. Message types without text or media are kept with an
// empty body so they are still deduplicated.
func DecodeWebhook(body []byte) (Webhook, error) {
	var p waPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Webhook{}, err
	}

	var out Webhook
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			names := map[string]string{}
			for _, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range ch.Value.Messages {
				ev := InboundEvent{
					MessageID: m.ID,
					From:      normalizePhone(m.From),
					Name:      names[m.From],
					Timestamp: unixTime(m.Timestamp),
				}
				if m.Text != nil {
					ev.Body = m.Text.Body
				}
				if m.Button != nil {
					ev.Body = m.Button.Text
					ev.ButtonPayload = m.Button.Payload
				}
				if m.Interactive != nil && m.Interactive.ButtonReply != nil {
					ev.Body = m.Interactive.ButtonReply.Title
					ev.ButtonPayload = m.Interactive.ButtonReply.ID
				}
				for _, media := range []*waMedia{m.Image, m.Document, m.Audio, m.Video} {
					if media != nil && media.ID != "" {
						ev.MediaIDs = append(ev.MediaIDs, media.ID)
					}
				}
				out.Messages = append(out.Messages, ev)
			}

			for _, s := range ch.Value.Statuses {
				ev := StatusEvent{
					MessageID:    s.ID,
					Status:       s.Status,
					Recipient:    normalizePhone(s.RecipientID),
					CallbackData: s.CallbackData,
					Timestamp:    unixTime(s.Timestamp),
				}
				if len(s.Errors) > 0 {
					ev.Error = strconv.Itoa(s.Errors[0].Code) + " " + s.Errors[0].Title
				}
				out.Statuses = append(out.Statuses, ev)
			}
		}
	}
	return out, nil
}
