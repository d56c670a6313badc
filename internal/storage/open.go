package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "confessbot/pkg/logx"
)

// Store is the persistence contract of the dispatch engine.
//
// Accept and NextSequence are atomic against every other caller sharing the
// backend, including other processes. Everything else is a plain read or
// upsert.
type Store interface {
	// NextSequence atomically increments the named counter and returns the new value.
	NextSequence(ctx context.Context, name string) (int64, error)

	LastAccepted(ctx context.Context, subjectID string) (time.Time, bool, error)
	QuotaCount(ctx context.Context, subjectID, day string) (int, error)
	Accept(ctx context.Context, req AcceptRequest) (AcceptResult, error)
	RecordFlagged(ctx context.Context, s Submission) error
	MarkDispatched(ctx context.Context, id int64) error
	CountSubmissions(ctx context.Context, status SubmissionStatus) (int64, error)
	// PendingSubmissions returns accepted, not yet dispatched submissions in
	// ascending id order.
	PendingSubmissions(ctx context.Context) ([]Submission, error)

	// BanState reports whether subjectID has an active global ban and an
	// active ban scoped to originID.
	BanState(ctx context.Context, subjectID, originID string, now time.Time) (global, origin bool, err error)
	PutBan(ctx context.Context, b Ban) error
	DeleteBan(ctx context.Context, subjectID, scope string) (bool, error)

	// ListDestinations returns destinations ordered by registration time then id.
	ListDestinations(ctx context.Context) ([]Destination, error)
	GetDestination(ctx context.Context, id string) (Destination, error)
	// UpsertDestination inserts d or moves an existing destination to
	// d.ChannelID. An existing registration time is never overwritten.
	UpsertDestination(ctx context.Context, d Destination) error
	DeleteDestination(ctx context.Context, id string) (bool, error)

	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Prune removes bookkeeping that can no longer influence admission:
	// quota rows for days before `before`, cooldowns and attempts older than
	// `before`, and bans that expired before `before`.
	Prune(ctx context.Context, before time.Time) (PruneStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }
