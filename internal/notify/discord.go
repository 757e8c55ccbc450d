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

// Discord delivers through a webhook. The original deployment's primary
// channel.
type Discord struct {
	webhook string
	http    *http.Client
}

func NewDiscord(webhookURL string) (*Discord, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, errors.New("discord webhook url is empty")
	}
	return &Discord{
		webhook: webhookURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (d *Discord) Name() string { return "discord" }

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

func (d *Discord) Send(ctx context.Context, msg Message) error {
	embed := discordEmbed{Title: msg.Title, Description: msg.Body}
	if !msg.At.IsZero() {
		embed.Timestamp = msg.At.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Webhooks answer 204 on success; accept the whole 2xx class.
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("discord webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
