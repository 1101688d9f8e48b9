// Package notify sends SMS confirmations to payers. Delivery is fire and
// forget; a lost message never affects payment or membership state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Config struct {
	BaseURL  string
	APIKey   string
	SenderID string
}

// SMSNotifier posts messages to a simple HTTP SMS API.
type SMSNotifier struct {
	cfg    Config
	client *http.Client
}

func NewSMS(cfg Config) *SMSNotifier {
	return &SMSNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

func (n *SMSNotifier) Send(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(sendRequest{To: phone, From: n.cfg.SenderID, Message: message})
	if err != nil {
		return fmt.Errorf("encoding sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating sms request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms api returned status %d", resp.StatusCode)
	}

	return nil
}

// Noop is the notifier for deployments without an SMS account.
type Noop struct{}

func (Noop) Send(context.Context, string, string) error { return nil }
