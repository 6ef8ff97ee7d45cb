package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "statbot/pkg/logx"
)

// JobStore is the durable job registry. The scheduler is its only writer.
type JobStore interface {
	// PersistJob inserts or replaces the record with the same ID.
	PersistJob(ctx context.Context, job JobRecord) error
	// LoadJobs returns every record ordered by CreatedAt, then ID.
	LoadJobs(ctx context.Context) ([]JobRecord, error)
	// DeleteJob removes id. Deleting an absent id is not an error.
	DeleteJob(ctx context.Context, id string) error
}

// DedupStore keeps notifier dedup deadlines across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Store interface {
	JobStore
	DedupStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	switch driver {
	case "", "none", "memory":
		log.Warn("storage is in-memory; scheduled jobs will not survive a restart")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
