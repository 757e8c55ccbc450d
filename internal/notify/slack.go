package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Slack delivers through an incoming webhook.
type Slack struct {
	webhook string
	http    *http.Client
}

func NewSlack(webhookURL string) (*Slack, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is empty")
	}
	return &Slack{
		webhook: webhookURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *Slack) Name() string { return "slack" }

type slackPayload struct {
	Text string `json:"text"`
}

func (s *Slack) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(slackPayload{Text: "*" + msg.Title + "*\n" + msg.Body})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
