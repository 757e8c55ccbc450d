package logx

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

// FileConfig rotates by size via lumberjack. MaxAgeDays of zero keeps
// rotated files forever.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AlertConfig forwards high-severity log lines to the notification
// dispatcher so an operator hears about monitor trouble without a shell.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerMin int
}

// timeLayout is RFC 3339 with milliseconds; shared by the console
// renderer and the JSON time field.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Field appends one key to a zerolog event. Fields apply in order, so a
// repeated key takes its last value. The console writer renders them as
// key=value pairs; JSON sinks keep them structured.
type Field func(ev *zerolog.Event)

func String(k, v string) Field        { return func(ev *zerolog.Event) { ev.Str(k, v) } }
func Int(k string, v int) Field       { return func(ev *zerolog.Event) { ev.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(ev *zerolog.Event) { ev.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(ev *zerolog.Event) { ev.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(ev *zerolog.Event) { ev.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(ev *zerolog.Event) { ev.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(ev *zerolog.Event) { ev.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(ev *zerolog.Event) { ev.Time(k, v) } }
func Any(k string, v any) Field        { return func(ev *zerolog.Event) { ev.Interface(k, v) } }

// Err attaches err under the standard error key; nil is a no-op so call
// sites do not need to branch.
func Err(err error) Field {
	return func(ev *zerolog.Event) {
		if err != nil {
			ev.Err(err)
		}
	}
}

// Stack attaches a captured goroutine stack, skipping blank ones.
func Stack(stack string) Field {
	return func(ev *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			ev.Str("stack", stack)
		}
	}
}

// Logger is a small facade over zerolog. One built from a Service keeps
// following the service root as Apply swaps sinks and levels. With
// returns a derived logger carrying extra fixed fields. The zero value
// writes nowhere and is safe to use.
type Logger struct {
	svc       *Service
	static    zerolog.Logger
	hasStatic bool

	preset []Field
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return Logger{static: zerolog.Nop(), hasStatic: true}
}

func (l Logger) IsZero() bool {
	return l.svc == nil && !l.hasStatic && len(l.preset) == 0
}

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasStatic:
		return l.static
	default:
		return zerolog.Nop()
	}
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.preset = append(append([]Field(nil), l.preset...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	root := l.root()
	ev := root.WithLevel(level)
	if ev == nil {
		return
	}

	// file:line only. Function names and full paths drown the console.
	if site := callSite(3); site != "" {
		ev.Str(zerolog.CallerFieldName, site)
	}

	for _, f := range l.preset {
		if f != nil {
			f(ev)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(ev)
		}
	}

	ev.Msg(msg)
}

// callSite reports the caller as base-name:line. The skip count assumes
// the Logger.<Level> -> Logger.log -> callSite chain; keep those depths
// in step.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the mutable logging state: the current zerolog root, the
// rotating file handle, and the alert gate. Apply may be called at any
// time; loggers handed out earlier pick up the new root on their next
// write.
type Service struct {
	mu sync.Mutex

	root atomic.Pointer[zerolog.Logger]

	file *lumberjack.Logger

	// alert sink
	sender      AlertSender
	alertQueue  chan string
	alertOnce   sync.Once
	alertCancel context.CancelFunc
	alertWG     sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New builds the service and applies cfg before returning, so the
// returned Logger is usable immediately.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeLayout

	s := &Service{
		alertQueue: make(chan string, 64),
	}

	// Console-only root until Apply installs the configured sinks, so
	// nothing logged in between is lost.
	boot := zerolog.New(consoleWriter()).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&boot)

	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlertSender wires the notification dispatcher into the alert sink.
// The dispatcher is constructed after logging, so this is a late bind.
func (s *Service) SetAlertSender(sender AlertSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.alertCancel
	s.alertCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.alertWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps sinks and levels at runtime. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshAlertGate(cfg.Alerts)

	// The old file handle is replaced wholesale rather than reconfigured.
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	sinks := s.buildSinks(cfg)
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// refreshAlertGate resets the alert min-level and limiter. Caller holds mu.
func (s *Service) refreshAlertGate(cfg AlertConfig) {
	s.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rpm := cfg.RatePerMin
	if rpm < 1 {
		rpm = 6
	}
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
}

// buildSinks assembles the writer list for cfg, opening the rotating
// file and starting the alert worker as needed. Caller holds mu.
func (s *Service) buildSinks(cfg Config) []io.Writer {
	sinks := make([]io.Writer, 0, 3)

	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./tfmon.log"
		}
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.File.MaxBackups
		if maxBackups < 0 {
			maxBackups = 5
		}
		s.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		sinks = append(sinks, s.file)
	}

	if cfg.Alerts.Enabled {
		s.alertOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.alertCancel = cancel
			s.alertWG.Add(1)
			go func() {
				defer s.alertWG.Done()
				s.alertWorker(ctx)
			}()
		})
		sinks = append(sinks, &alertSink{svc: s})
	}

	// A config with every sink off still needs somewhere to write.
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}
	return sinks
}

func consoleWriter() io.Writer {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeLayout}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
