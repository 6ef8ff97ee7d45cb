package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "statbot/pkg/logx"
)

// fileStore keeps jobs and dedup deadlines in two journals next to the
// configured path: <prefix>.jobs.* and <prefix>.dedup.*.
type fileStore struct {
	log logx.Logger

	mu    sync.Mutex
	jobs  *journal[JobRecord]
	dedup *journal[int64] // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	warn := func(p string, err error) {
		log.Warn("storage file unreadable; continuing with what was recovered", logx.String("path", p), logx.Err(err))
	}
	jobs, err := openJournal[JobRecord](prefix, "jobs", 200, warn)
	if err != nil {
		return nil, err
	}
	dedup, err := openJournal[int64](prefix, "dedup", 1000, warn)
	if err != nil {
		_ = jobs.close()
		return nil, err
	}
	s := &fileStore{log: log, jobs: jobs, dedup: dedup}
	s.pruneDedupLocked(time.Now())

	log.Info("file storage opened", logx.String("prefix", prefix), logx.Int("jobs", len(jobs.data)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneDedupLocked(time.Now())
	return errors.Join(s.jobs.close(), s.dedup.close())
}

func (s *fileStore) PersistJob(_ context.Context, job JobRecord) error {
	if strings.TrimSpace(job.ID) == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.put(job.ID, job)
}

func (s *fileStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs.closed() {
		return ErrClosed
	}
	return s.jobs.del(id)
}

func (s *fileStore) LoadJobs(context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs.closed() {
		return nil, ErrClosed
	}
	return sortedJobs(s.jobs.data), nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.dedup.writes+1)%s.dedup.compactEvery == 0 {
		// This write snapshots; leave expired keys out of it.
		s.pruneDedupLocked(time.Now())
	}
	return s.dedup.put(key, until.UnixMilli())
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup.data[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// pruneDedupLocked forgets expired deadlines in memory only; the next
// snapshot leaves them out.
func (s *fileStore) pruneDedupLocked(now time.Time) {
	cutoff := now.UnixMilli()
	for k, ms := range s.dedup.data {
		if ms < cutoff {
			delete(s.dedup.data, k)
		}
	}
}
