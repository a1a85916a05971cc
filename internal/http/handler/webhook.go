package handler

import (
	"io"
	"net/http"

	"clinicmsg/internal/delivery"
	"clinicmsg/internal/inbound"
	"clinicmsg/internal/messaging"

	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20

var transportStatuses = map[string]delivery.Status{
	"sent":      delivery.StatusSent,
	"delivered": delivery.StatusDelivered,
	"read":      delivery.StatusRead,
	"failed":    delivery.StatusFailed,
}

// WebhookHandler receives WhatsApp callbacks. It answers 200 for anything it
// has recorded, duplicates included, and 500 only when storage failed so the
// transport retries.
type WebhookHandler struct {
	Inbound     *inbound.Service
	Deliveries  *delivery.Repo
	AppSecret   string
	VerifyToken string
	Log         zerolog.Logger
}

func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.VerifyToken == "" || q.Get("hub.verify_token") != h.VerifyToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if h.AppSecret != "" && !messaging.VerifySignature(body, h.AppSecret, r.Header.Get(messaging.SignatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	wh, err := messaging.DecodeWebhook(body)
	if err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	handled, duplicates := 0, 0
	for _, m := range wh.Messages {
		if m.MessageID == "" {
			continue
		}
		res, err := h.Inbound.Handle(r.Context(), inbound.Incoming{
			TransportMessageID: m.MessageID,
			From:               m.From,
			Body:               m.Body,
			ButtonPayload:      m.ButtonPayload,
			MediaIDs:           m.MediaIDs,
			ReceivedAt:         m.Timestamp,
		})
		if err != nil {
			h.Log.Error().Err(err).Str("transport_message_id", m.MessageID).Msg("handle inbound message")
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		if res.Duplicate {
			duplicates++
		}
		handled++
	}

	for _, s := range wh.Statuses {
		status, ok := transportStatuses[s.Status]
		if !ok {
			continue
		}
		if err := h.applyStatus(r, s, status); err != nil {
			h.Log.Error().Err(err).Str("transport_message_id", s.MessageID).Msg("update delivery outcome")
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages":   handled,
		"duplicates": duplicates,
		"statuses":   len(wh.Statuses),
	})
}

// applyStatus advances the record holding the transport id. When no record
// holds it yet, the callback data (our record id) resolves the attempt.
func (h *WebhookHandler) applyStatus(r *http.Request, s messaging.StatusEvent, status delivery.Status) error {
	ok, err := h.Deliveries.UpdateOutcome(r.Context(), s.MessageID, status, s.Error)
	if err != nil || ok || s.CallbackData == "" {
		return err
	}
	ok, err = h.Deliveries.Reconcile(r.Context(), s.CallbackData, s.MessageID, status, s.Error)
	if ok {
		h.Log.Info().Str("delivery_id", s.CallbackData).Str("status", string(status)).Msg("delivery reconciled from callback")
	}
	return err
}
