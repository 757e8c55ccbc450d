package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tfmon/internal/monitor"
	logx "tfmon/pkg/logx"
)

//go:embed migrations.sql
var migrations embed.FS

// pruneEvery is how many appends go by between piggybacked retention
// sweeps. Detections are low-volume, so this keeps pruning off the hot
// path without letting the table grow unbounded.
const pruneEvery = 500

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration
	appends   atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite driver needs storage.path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection: sqlite serializes writers anyway, and going
	// through one keeps lock contention out of the Go side.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := make([]string, 0, 3)
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	for _, p := range pragmas {
		_, _ = db.Exec(p)
	}

	ddl, err := migrations.ReadFile("migrations.sql")
	if err == nil {
		_, err = db.Exec(string(ddl))
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention}

	// Sweep once up front so restarts bound the file even when the daemon
	// never stays up long enough to hit the periodic sweep.
	pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.prune(pctx); err != nil {
		log.Debug("detection prune on open failed", logx.Err(err))
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDetection(ctx context.Context, d monitor.Detection) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	var errCol any
	if strings.TrimSpace(d.Err) != "" {
		errCol = d.Err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections(at, target, kind, previous, current, err)
		 VALUES(?,?,?,?,?,?)`,
		d.At.UTC().Format(time.RFC3339Nano), d.Target, string(d.Kind),
		d.Previous.String(), d.Current.String(), errCol,
	)
	if err != nil {
		return err
	}
	if s.appends.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = s.prune(pctx)
	}
	return nil
}

func (s *sqliteStore) PutCooldown(ctx context.Context, target string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if target == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldown(target, notified_at) VALUES(?,?)
		 ON CONFLICT(target) DO UPDATE SET notified_at=excluded.notified_at`,
		target, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetCooldown(ctx context.Context, target string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if target == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT notified_at FROM cooldown WHERE target = ?`, target).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// prune deletes detections older than the retention horizon. The cutoff
// compares as a string, which is exact to the second; retention horizons
// are hours, so that is plenty.
func (s *sqliteStore) prune(ctx context.Context) error {
	if s == nil || s.db == nil || s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE at < ?`, cutoff)
	return err
}
