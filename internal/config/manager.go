package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tfmon/pkg/logx"
)

const (
	watchDebounce    = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	validateTimeout  = 5 * time.Second
)

// Manager owns the config file: strict parsing, env overrides, commit,
// subscriber fan-out, and an optional fsnotify watch for hot reload.
//
// Only the logging and pprof sections are applied live; the monitor,
// notify, storage and report sections are fixed for a process run (the
// reload loop logs a restart-required warning when they change).
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	getenv    func(string) string
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last committed content so editor-triggered
	// duplicate write events don't republish an unchanged config.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, getenv: os.Getenv}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a hook run by Watch() before commit/publish.
// A rejected config keeps the previous one in effect.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the config file, then applies env
// overrides. A missing file is not an error: the original deployment
// surface allowed configuring everything through the environment.
func (m *Manager) Parse() (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.log.Info("config file absent, using env only", logx.String("path", m.path))
	case err != nil:
		return nil, err
	default:
		if err := decodeStrict(m.path, b, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(m.getenv)
	return &cfg, nil
}

// decodeStrict rejects unknown fields and trailing tokens (for example a
// second concatenated JSON document).
func decodeStrict(path string, b []byte, cfg *Config) error {
	jb, err := jsonBytes(path, b)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return nil
	case nil:
		return fmt.Errorf("invalid config: trailing data")
	default:
		return err
	}
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Load parses and commits in one step. Startup path.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest config; a slow subscriber loses the oldest
		// queued one, never the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)))
			}
		}
	}
}

// Watch blocks until ctx is done, reparsing and publishing the config
// whenever the file changes. If fsnotify stops delivering events the
// watcher is torn down and recreated with a jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	backoff := watchBackoffBase

	// Debounce so partial editor writes don't get parsed mid-save.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() { m.reload(ctx) })
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !jitteredPause(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, watchBackoffMax)
			continue
		}

		// Watching; reset backoff so a later break restarts quickly.
		backoff = watchBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		stop := m.watchEvents(ctx, w, file, debounce)
		_ = w.Close()
		if stop || ctx.Err() != nil {
			return nil
		}

		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Duration("backoff", backoff))
		if !jitteredPause(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, watchBackoffMax)
	}
	return nil
}

// watchEvents drains one watcher until it breaks or ctx ends. It reports
// true when Watch should return rather than rebuild the watcher.
func (m *Manager) watchEvents(ctx context.Context, w *fsnotify.Watcher, file string, debounce func()) (stop bool) {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			// Compare basenames; editors rename/replace on save.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			// Overflow means missed events; reload once and move on.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				debounce()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return false
			}
		}
	}
}

// reload is the debounced Watch body: parse, dedupe, validate, commit,
// publish. Errors keep the previous config in effect.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// jitteredPause sleeps for d plus up to 50% jitter, returning false when
// ctx ended first.
func jitteredPause(ctx context.Context, d time.Duration) bool {
	d += time.Duration(rand.Int63n(int64(d/2) + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	if cur *= 2; cur > max {
		return max
	}
	return cur
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
