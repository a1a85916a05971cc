package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type OutboundMessage struct {
	To   string
	Text string
	// IdempotencyKey comes back on status callbacks as
	// biz_opaque_callback_data.
	IdempotencyKey string
}

type SendResult struct {
	MessageID string
}

type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

type WhatsAppClient struct {
	baseURL       string
	phoneNumberID string
	token         string
	client        *Client
}

func NewWhatsAppClient(baseURL, phoneNumberID, token string, client *Client) *WhatsAppClient {
	return &WhatsAppClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		phoneNumberID: phoneNumberID,
		token:         token,
		client:        client,
	}
}

type waText struct {
	Body string `json:"body"`
}

type waSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             waText `json:"text"`
	CallbackData     string `json:"biz_opaque_callback_data,omitempty"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *WhatsAppClient) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	if msg.To == "" || msg.Text == "" {
		return SendResult{}, fmt.Errorf("%w: recipient and text are required", ErrRejected)
	}

	body, err := json.Marshal(waSendRequest{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(msg.To, "+"),
		Type:             "text",
		Text:             waText{Body: msg.Text},
		CallbackData:     msg.IdempotencyKey,
	})
	if err != nil {
		return SendResult{}, err
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	var out waSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SendResult{}, fmt.Errorf("whatsapp send: decode response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return SendResult{}, errors.New("whatsapp send: response carried no message id")
	}
	return SendResult{MessageID: out.Messages[0].ID}, nil
}
