package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// clearEnv blanks the env overrides so an ambient deployment variable
// cannot leak into a test config.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TESTFLIGHT_APP_IDS", "CHECK_INTERVAL_SECONDS", "CACHE_TTL_MINUTES",
		"DISCORD_WEBHOOK_URL", "SLACK_WEBHOOK_URL",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
		"EMAIL_SMTP_SERVER", "LOG_LEVEL", "LOG_FILE",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tfmon.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestSelfTest(t *testing.T) {
	var buf bytes.Buffer
	if err := SelfTest(context.Background(), &buf); err != nil {
		t.Fatalf("SelfTest() error = %v\noutput:\n%s", err, buf.String())
	}
	out := buf.String()
	if !strings.Contains(out, "self-test passed") {
		t.Errorf("output missing pass line:\n%s", out)
	}
	if got := strings.Count(out, "cycle"); got != 6 {
		t.Errorf("output has %d cycle lines, want 6:\n%s", got, out)
	}
}

func TestSelfTestHonorsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := SelfTest(ctx, &buf); err == nil {
		t.Fatal("SelfTest(cancelled ctx) error = nil, want context error")
	}
}

func TestValidateConfigSummary(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{
		"monitor": {"app_ids": ["TESTCODE1", "TESTCODE2"]},
		"notify": {"slack_webhook_url": "https://hooks.slack.example/T/B/x"},
		"report": {"enabled": true},
		"logging": {"level": "error", "console": false}
	}`)

	var buf bytes.Buffer
	if err := ValidateConfig(path, &buf); err != nil {
		t.Fatalf("ValidateConfig() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"OK",
		"TESTCODE1, TESTCODE2",
		"slack",
		"storage:  none",
		`report:   "0 9 * * *"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestValidateConfigInvalid(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{"monitor": {"app_ids": []}}`)
	var buf bytes.Buffer
	if err := ValidateConfig(path, &buf); err == nil {
		t.Fatal("ValidateConfig() error = nil, want app-id error")
	}
}

func TestValidateConfigWarnsWithoutChannels(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{
		"monitor": {"app_ids": ["TESTCODE1"]},
		"logging": {"level": "error", "console": false}
	}`)
	var buf bytes.Buffer
	if err := ValidateConfig(path, &buf); err != nil {
		t.Fatalf("ValidateConfig() error = %v", err)
	}
	if !strings.Contains(buf.String(), "warning") {
		t.Errorf("summary missing no-channel warning:\n%s", buf.String())
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{"monitor": {"app_ids": ["x"]}}`)
	if _, err := NewApp(path); err == nil {
		t.Fatal("NewApp() error = nil, want validation error")
	}
}

func TestCheckOnce(t *testing.T) {
	clearEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>Join the beta to help test</body></html>`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, `{
		"monitor": {"app_ids": ["TESTCODE1"], "base_url": "`+srv.URL+`"},
		"storage": {"driver": "file", "path": "`+filepath.Join(dir, "tfmon")+`"},
		"logging": {"level": "error", "console": false}
	}`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	var buf bytes.Buffer
	err = a.CheckOnce(context.Background(), &buf)
	if cerr := a.Close(); cerr != nil {
		t.Errorf("Close() error = %v", cerr)
	}
	if err != nil {
		t.Fatalf("CheckOnce() error = %v\noutput:\n%s", err, buf.String())
	}

	out := buf.String()
	if !strings.Contains(out, "TESTCODE1: available") {
		t.Errorf("output missing status line:\n%s", out)
	}
	if !strings.Contains(out, "checked 1 target(s)") {
		t.Errorf("output missing summary line:\n%s", out)
	}

	// The open-slot detection must have been journaled.
	if _, err := os.Stat(filepath.Join(dir, "tfmon.detections.jsonl")); err != nil {
		t.Errorf("detections journal not written: %v", err)
	}
}

func TestCheckOnceReportsFailures(t *testing.T) {
	clearEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	path := writeConfig(t, `{
		"monitor": {"app_ids": ["TESTCODE1"], "base_url": "`+srv.URL+`"},
		"logging": {"level": "error", "console": false}
	}`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer a.Close()

	var buf bytes.Buffer
	if err := a.CheckOnce(context.Background(), &buf); err == nil {
		t.Fatalf("CheckOnce() error = nil, want failure\noutput:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "check failed") {
		t.Errorf("output missing failure line:\n%s", buf.String())
	}
}

func TestAppStartStop(t *testing.T) {
	clearEnv(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("this beta is full"))
	}))
	defer srv.Close()

	path := writeConfig(t, `{
		"monitor": {"app_ids": ["TESTCODE1"], "base_url": "`+srv.URL+`", "check_interval": "1m"},
		"logging": {"level": "error", "console": false}
	}`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// First cycle runs immediately; wait for it to reach the server.
	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no fetch observed within 5s of Start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-a.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean stop", err)
	}
}
