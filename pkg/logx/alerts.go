package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// AlertSender delivers an alert-sink line. The notification dispatcher
// implements this; logx stays ignorant of channel details.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// alertSink is a zerolog writer that turns qualifying log lines into
// alert deliveries. Filtering (min level, rate limit) happens inline on
// the logging goroutine; the actual send runs on the worker so a slow
// channel cannot stall logging.
type alertSink struct{ svc *Service }

func (w *alertSink) Write(p []byte) (int, error) {
	// zerolog calls WriteLevel; plain Write means the level is unknown.
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	sender := s.sender
	gate := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	switch {
	case sender == nil || gate == nil:
	case level < min:
	case !gate.Allow():
	default:
		if msg := renderAlert(p); msg != "" {
			s.enqueueAlert(msg)
		}
	}
	return len(p), nil
}

func (s *Service) enqueueAlert(msg string) {
	// Queue full means alerts are arriving faster than they can be
	// delivered; dropping beats blocking the logger.
	select {
	case s.alertQueue <- msg:
	default:
	}
}

func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.alertQueue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			_ = sender.SendAlert(ctx, msg)
		}
	}
}

// renderAlert flattens one zerolog JSON line into readable alert text:
// "[LEVEL] message" followed by "- key=value" lines. Input that is not
// JSON goes out as-is, trimmed and capped.
func renderAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), 1800)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(clip(fmt.Sprint(m[k]), 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(clip(fmt.Sprint(m[k]), 600))
	}

	return clip(b.String(), 1800)
}

func clip(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
