package app

import (
	"strings"
	"testing"
	"time"

	"tfmon/internal/config"
)

func fptr(v float64) *float64 { return &v }

func TestMapMonitorConfigDefaults(t *testing.T) {
	t.Parallel()

	got, err := mapMonitorConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapMonitorConfig() error = %v", err)
	}
	if got.CheckInterval != 5*time.Minute {
		t.Errorf("CheckInterval = %v, want %v", got.CheckInterval, 5*time.Minute)
	}
	if got.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want %v", got.CacheTTL, 5*time.Minute)
	}
	if got.NotifyCooldown != 10*time.Minute {
		t.Errorf("NotifyCooldown = %v, want %v", got.NotifyCooldown, 10*time.Minute)
	}
	if got.MaxBackoff != 10*time.Minute {
		t.Errorf("MaxBackoff = %v, want %v", got.MaxBackoff, 10*time.Minute)
	}
	if got.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %v, want %v", got.FetchTimeout, 30*time.Second)
	}
	if got.JitterFraction != 0.2 {
		t.Errorf("JitterFraction = %v, want 0.2", got.JitterFraction)
	}
}

func TestMapMonitorConfigExplicitJitterZero(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Monitor.JitterFraction = fptr(0)
	got, err := mapMonitorConfig(cfg)
	if err != nil {
		t.Fatalf("mapMonitorConfig() error = %v", err)
	}
	if got.JitterFraction != 0 {
		t.Errorf("JitterFraction = %v, want 0 (explicit zero must stick)", got.JitterFraction)
	}
}

func TestMapMonitorConfigBadDuration(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Monitor.CheckInterval = "soon"
	if _, err := mapMonitorConfig(cfg); err == nil {
		t.Fatal("mapMonitorConfig() error = nil, want parse error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		storage     *config.StorageConfig
		wantEnabled bool
		wantDriver  string
		wantErr     string
	}{
		{name: "no section", storage: nil},
		{name: "empty driver", storage: &config.StorageConfig{}},
		{name: "none", storage: &config.StorageConfig{Driver: "none"}},
		{name: "none mixed case", storage: &config.StorageConfig{Driver: "None"}},
		{
			name:        "file",
			storage:     &config.StorageConfig{Driver: "file", Path: "/tmp/tfmon"},
			wantEnabled: true,
			wantDriver:  "file",
		},
		{
			name:        "sqlite3 alias",
			storage:     &config.StorageConfig{Driver: "SQLITE3", Path: "/tmp/tfmon.db"},
			wantEnabled: true,
			wantDriver:  "sqlite3",
		},
		{
			name:    "sqlite without path",
			storage: &config.StorageConfig{Driver: "sqlite"},
			wantErr: "storage.path",
		},
		{
			name:    "unknown driver",
			storage: &config.StorageConfig{Driver: "bolt"},
			wantErr: "unknown driver",
		},
		{
			name:    "bad busy timeout",
			storage: &config.StorageConfig{Driver: "sqlite", Path: "/tmp/x.db", BusyTimeout: "fast"},
			wantErr: "storage.busy_timeout",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.storage})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("mapStorageConfig() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig() error = %v", err)
			}
			if enabled != tt.wantEnabled {
				t.Fatalf("enabled = %v, want %v", enabled, tt.wantEnabled)
			}
			if enabled && sc.Driver != tt.wantDriver {
				t.Errorf("Driver = %q, want %q", sc.Driver, tt.wantDriver)
			}
		})
	}
}

func TestMapStorageConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "/tmp/x.db"}}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("mapStorageConfig() = enabled %v, error %v", enabled, err)
	}
	if sc.BusyTimeout != 5*time.Second {
		t.Errorf("BusyTimeout = %v, want %v", sc.BusyTimeout, 5*time.Second)
	}
	if sc.Retention != 720*time.Hour {
		t.Errorf("Retention = %v, want %v", sc.Retention, 720*time.Hour)
	}
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pprof   config.PprofConfig
		wantErr string
	}{
		{name: "disabled, empty section"},
		{name: "enabled loopback default addr", pprof: config.PprofConfig{Enabled: true}},
		{
			name:  "enabled public with token",
			pprof: config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "s3cret"},
		},
		{
			name:  "enabled public allow_insecure",
			pprof: config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060", AllowInsecure: true},
		},
		{
			name:    "enabled public bare",
			pprof:   config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"},
			wantErr: "non-loopback",
		},
		{
			name:    "enabled bad addr",
			pprof:   config.PprofConfig{Enabled: true, Addr: "nonsense"},
			wantErr: "pprof.addr",
		},
		{
			name:    "bad read timeout",
			pprof:   config.PprofConfig{ReadTimeout: "never"},
			wantErr: "pprof.read_timeout",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapPprofConfig(&config.Config{Pprof: tt.pprof})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("mapPprofConfig() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapPprofConfig() error = %v", err)
			}
			if got.Addr == "" || got.Prefix == "" {
				t.Errorf("defaults not applied: addr %q prefix %q", got.Addr, got.Prefix)
			}
		})
	}
}

func TestMapNotifyConfigRetryPointer(t *testing.T) {
	t.Parallel()

	got, err := mapNotifyConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapNotifyConfig() error = %v", err)
	}
	if got.RetryMax != 2 {
		t.Errorf("RetryMax = %d, want 2 when omitted", got.RetryMax)
	}

	zero := 0
	cfg := &config.Config{}
	cfg.Notify.RetryMax = &zero
	got, err = mapNotifyConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifyConfig() error = %v", err)
	}
	if got.RetryMax != 0 {
		t.Errorf("RetryMax = %d, want 0 when explicitly zero", got.RetryMax)
	}
}

func TestConfiguredChannels(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if got := configuredChannels(cfg); len(got) != 0 {
		t.Fatalf("configuredChannels(empty) = %v, want none", got)
	}

	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"
	cfg.Notify.Telegram = &config.TelegramConfig{Token: "t", ChatID: 7}
	got := configuredChannels(cfg)
	want := []string{"discord", "telegram"}
	if len(got) != len(want) {
		t.Fatalf("configuredChannels() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("configuredChannels()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
