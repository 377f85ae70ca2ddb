package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pushclient/pkg/logx"
)

// fileStore keeps its state in plain files next to Path:
//   - <prefix>.deliveries.jsonl  append-only delivery journal
//   - <prefix>.seen.json         seen-id snapshot
//   - <prefix>.seen.jsonl        seen-id journal, compacted into the snapshot
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveries *os.File

	seenSnapshotPath string
	seenJournal      *os.File
	seen             map[string]int64 // unix milli
	seenWrites       int
	compactEvery     int
}

type seenRecord struct {
	ID    string `json:"id"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	df, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".seen.json"
	journalPath := prefix + ".seen.jsonl"
	seen := map[string]int64{}
	if err := loadSeenSnapshot(snapPath, seen); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("seen snapshot unreadable, starting empty", logx.Err(err))
	}
	if err := replaySeenJournal(journalPath, seen); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("seen journal replay stopped early", logx.Err(err))
	}
	pruneExpired(seen, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		deliveries:       df,
		seenSnapshotPath: snapPath,
		seenJournal:      jf,
		seen:             seen,
		compactEvery:     500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.seenJournal != nil {
		errs = append(errs, s.compactLocked())
		errs = append(errs, s.seenJournal.Close())
		s.seenJournal = nil
	}
	if s.deliveries != nil {
		errs = append(errs, s.deliveries.Close())
		s.deliveries = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.deliveries).Encode(e)
}

func (s *fileStore) MarkSeen(ctx context.Context, messageID string, until time.Time) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJournal == nil {
		return ErrClosed
	}
	s.seen[messageID] = ms
	if err := json.NewEncoder(s.seenJournal).Encode(seenRecord{ID: messageID, Until: ms}); err != nil {
		return err
	}
	s.seenWrites++
	if s.seenWrites%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("seen compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Seen(ctx context.Context, messageID string) (time.Time, bool, error) {
	messageID = strings.TrimSpace(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJournal == nil {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.seen[messageID]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactLocked rewrites the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	pruneExpired(s.seen, time.Now())

	tmp := s.seenSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.seen); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.seenSnapshotPath); err != nil {
		return err
	}
	if err := s.seenJournal.Truncate(0); err != nil {
		return err
	}
	_, err = s.seenJournal.Seek(0, 2)
	return err
}

func loadSeenSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replaySeenJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out[r.ID] = r.Until
	}
	return sc.Err()
}

func pruneExpired(m map[string]int64, now time.Time) {
	cutoff := now.UnixMilli()
	for k, v := range m {
		if v < cutoff {
			delete(m, k)
		}
	}
}
