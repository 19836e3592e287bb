package bootstrap

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/roach88/protocore/internal/retry"
	"github.com/roach88/protocore/internal/store"
)

// deletionQueue drives persisted server deletions to completion, backing off
// per message on failure. A message has at most one attempt running or
// scheduled at a time, so requeueing twice is harmless.
type deletionQueue struct {
	store     *store.Store
	scheduler *retry.Scheduler
	attempts  *retry.Counter[string]
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// submit schedules an immediate attempt. It reports false when the message
// is already being handled or the scheduler is closed.
func (q *deletionQueue) submit(ctx context.Context, deleter ServerDeleter, d store.ServerDeletion) bool {
	key := string(d.MessageID)
	q.mu.Lock()
	if q.inflight[key] {
		q.mu.Unlock()
		return false
	}
	q.inflight[key] = true
	q.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if !q.scheduler.ExecuteWithDelay(0, func() { q.attempt(ctx, deleter, d) }) {
		q.release(key)
		return false
	}
	return true
}

func (q *deletionQueue) attempt(ctx context.Context, deleter ServerDeleter, d store.ServerDeletion) {
	key := string(d.MessageID)
	err := deleter.DeleteFromServer(ctx, d)
	if err == nil {
		err = q.store.CompleteServerDeletion(ctx, d.MessageID)
	}
	if err != nil {
		delay := q.attempts.IncrementAndGetDelay(key)
		q.log.Warn("server deletion failed",
			"message_id", hex.EncodeToString(d.MessageID),
			"attempts", q.attempts.Count(key),
			"retry_in", delay,
			"error", err)
		// The row stays persisted; the next recovery requeues it.
		if !q.scheduler.ExecuteWithDelay(delay, func() { q.attempt(ctx, deleter, d) }) {
			q.release(key)
		}
		return
	}

	q.attempts.Reset(key)
	q.release(key)
	q.log.Debug("server deletion done", "message_id", hex.EncodeToString(d.MessageID))
}

func (q *deletionQueue) release(key string) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

// inflightCount returns the number of messages being handled.
func (q *deletionQueue) inflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
