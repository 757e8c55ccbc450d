package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tfmon/internal/monitor"
	logx "tfmon/pkg/logx"
)

// compactEvery bounds cooldown journal growth; marks are rare, so a small
// threshold keeps replay cheap without constant snapshot churn.
const compactEvery = 64

// fileStore is the dependency-free backend. The configured path (minus
// extension) becomes a prefix for three files:
//
//	<prefix>.detections.jsonl        append-only detection history
//	<prefix>.cooldown.snapshot.json  compacted cooldown marks
//	<prefix>.cooldown.journal.jsonl  marks since the last compaction
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	detections *os.File

	snapshotPath string
	journal      *os.File
	marks        map[string]int64 // target -> notified unix milli
	markWrites   int
}

type cooldownRecord struct {
	Target string `json:"target"`
	At     int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("file driver needs storage.path")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(filepath.Dir(path), base)
	snapshotPath := prefix + ".cooldown.snapshot.json"
	journalPath := prefix + ".cooldown.journal.jsonl"

	df, err := os.OpenFile(prefix+".detections.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		detections:   df,
		snapshotPath: snapshotPath,
		journal:      jf,
		marks:        restoreMarks(snapshotPath, journalPath),
	}, nil
}

// restoreMarks rebuilds the cooldown map: snapshot first, then any journal
// entries written after it. Unreadable files just mean an empty map.
func restoreMarks(snapshotPath, journalPath string) map[string]int64 {
	marks := map[string]int64{}

	if b, err := os.ReadFile(snapshotPath); err == nil {
		_ = json.Unmarshal(b, &marks)
	}

	f, err := os.Open(journalPath)
	if err != nil {
		return marks
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r cooldownRecord
		if json.Unmarshal(sc.Bytes(), &r) == nil && r.Target != "" {
			marks[r.Target] = r.At
		}
	}
	return marks
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.detections != nil {
		errs = append(errs, s.detections.Close())
		s.detections = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDetection(_ context.Context, d monitor.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detections == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	return json.NewEncoder(s.detections).Encode(d)
}

func (s *fileStore) PutCooldown(_ context.Context, target string, at time.Time) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	if s.marks == nil {
		s.marks = map[string]int64{}
	}
	s.marks[target] = ms

	if err := json.NewEncoder(s.journal).Encode(cooldownRecord{Target: target, At: ms}); err != nil {
		return err
	}
	if s.markWrites++; s.markWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cooldown compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetCooldown(_ context.Context, target string) (time.Time, bool, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.marks[target]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactLocked folds the journal into the snapshot: write the full map to
// a temp file, rename it over the snapshot, then empty the journal. Caller
// holds s.mu.
func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.marks)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}
