package app

import (
	"context"
	"fmt"

	"confessbot/internal/queue"
	"confessbot/internal/storage"
	logx "confessbot/pkg/logx"
)

type pendingSource interface {
	PendingSubmissions(ctx context.Context) ([]storage.Submission, error)
}

// requeuePending puts accepted but undispatched confessions back on q, oldest
// id first. It runs before intake opens so redelivered items precede new ones.
func requeuePending(ctx context.Context, src pendingSource, q *queue.Queue, log logx.Logger) (int, error) {
	subs, err := src.PendingSubmissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending confessions: %w", err)
	}
	for i, s := range subs {
		it := queue.Item{ID: s.ID, Text: s.Text, OriginID: s.OriginID, EnqueuedAt: s.CreatedAt}
		if err := q.Enqueue(it); err != nil {
			return i, err
		}
	}
	if len(subs) > 0 {
		log.Info("redelivering undispatched confessions",
			logx.Int("count", len(subs)),
			logx.Int64("first_id", subs[0].ID),
			logx.Int64("last_id", subs[len(subs)-1].ID))
	}
	return len(subs), nil
}
