// Package bootstrap repairs persisted state at process start and when the
// application comes back to the foreground.
//
// Recovery is an ordered list of actions. Every action is idempotent: a
// crash may interrupt recovery at any point, and the next run must finish
// the job or find nothing to do. A failing action does not stop the ones
// after it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/protocore/internal/retry"
	"github.com/roach88/protocore/internal/store"
)

// Action names, in execution order.
const (
	ActionPushRegistrations = "delete_push_registrations"
	ActionOrphans           = "delete_orphans"
	ActionServerDeletions   = "requeue_server_deletions"
	ActionNotifications     = "replay_notifications"
	ActionAttachmentDirs    = "delete_orphan_attachment_dirs"
	ActionStaleJournal      = "delete_stale_journal"
)

// DefaultNotificationWorkers bounds the notification fan-out.
const DefaultNotificationWorkers = 5

// DefaultJournalRetention is how long a journaled message waits for its
// instance to exist before startup recovery deletes it.
const DefaultJournalRetention = 15 * 24 * time.Hour

// Notifier receives the events recovery re-drives for persisted inbox
// messages, so in-memory subsystems catch up with the database.
type Notifier interface {
	// Reprocess asks for an unprocessed message to be processed again.
	Reprocess(ctx context.Context, m store.InboxMessage) error
	// PayloadSet re-emits the event of a fully processed message.
	PayloadSet(ctx context.Context, m store.InboxMessage) error
	// AttachmentReady re-emits the event of a downloaded attachment.
	AttachmentReady(ctx context.Context, messageID []byte, number int) error
	// Delete re-triggers deletion of a message marked for deletion.
	Delete(ctx context.Context, m store.InboxMessage) error
}

// ServerDeleter deletes a message from the server.
type ServerDeleter interface {
	DeleteFromServer(ctx context.Context, d store.ServerDeletion) error
}

// Resumer re-enqueues the protocol messages journaled but not yet handled.
type Resumer interface {
	ResumeAllPending(ctx context.Context) (int, error)
}

// Report is the result of one action.
type Report struct {
	Action   string
	Repaired int
	Duration time.Duration
	Err      error
}

// Coordinator runs recovery. Create one per process.
type Coordinator struct {
	store          *store.Store
	notifier       Notifier
	deleter        ServerDeleter
	resumer        Resumer
	scheduler      *retry.Scheduler
	deletions      *deletionQueue
	attachmentsDir string
	retention      time.Duration
	workers        int
	log            *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the notification target. Without one, action 4 only
// counts the messages it would re-drive.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithServerDeleter sets the server deletion client. Without one, pending
// deletions stay persisted.
func WithServerDeleter(d ServerDeleter) Option {
	return func(c *Coordinator) { c.deleter = d }
}

// WithResumer sets the engine resumed after recovery.
func WithResumer(r Resumer) Option {
	return func(c *Coordinator) { c.resumer = r }
}

// WithScheduler sets the scheduler used for deletion retries and flushed on
// foreground.
func WithScheduler(s *retry.Scheduler) Option {
	return func(c *Coordinator) { c.scheduler = s }
}

// WithBackoff sets the delays of failed server deletions.
func WithBackoff(standard, maximum time.Duration) Option {
	return func(c *Coordinator) { c.deletions.attempts = retry.NewCounter[string](standard, maximum) }
}

// WithAttachmentsDir sets the root of the attachment directories. Without
// one, action 5 is a no-op.
func WithAttachmentsDir(dir string) Option {
	return func(c *Coordinator) { c.attachmentsDir = dir }
}

// WithJournalRetention sets how old a journaled message of no instance must
// be before startup recovery deletes it.
func WithJournalRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithNotificationWorkers bounds concurrent notifications.
func WithNotificationWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a coordinator over s.
func New(s *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		retention: DefaultJournalRetention,
		workers:   DefaultNotificationWorkers,
		log:       slog.Default(),
		deletions: &deletionQueue{
			attempts: retry.NewCounter[string](retry.DefaultStandardDelay, retry.DefaultMaximumDelay),
			inflight: make(map[string]bool),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scheduler == nil {
		c.scheduler = retry.NewScheduler(retry.WithLogger(c.log))
	}
	c.deletions.store = c.store
	c.deletions.scheduler = c.scheduler
	c.deletions.log = c.log
	return c
}

type action struct {
	name string
	run  func(ctx context.Context) (int, error)
}

// actions lists the recovery actions. Stale journal entries are only
// deleted at startup, before the engine resumes them.
func (c *Coordinator) actions(startup, withNotifications bool) []action {
	out := []action{
		{ActionPushRegistrations, c.deletePushRegistrations},
		{ActionOrphans, c.deleteOrphans},
		{ActionServerDeletions, c.requeueServerDeletions},
	}
	if withNotifications {
		out = append(out, action{ActionNotifications, c.replayNotifications})
	}
	out = append(out, action{ActionAttachmentDirs, c.deleteOrphanAttachmentDirs})
	if startup {
		out = append(out, action{ActionStaleJournal, c.deleteStaleJournal})
	}
	return out
}

// FinalizeInitialization runs every action once, then resumes the engine.
// Journaled messages older than the retention that belong to no instance
// are deleted first.
// The returned error joins the errors of the failed actions.
func (c *Coordinator) FinalizeInitialization(ctx context.Context) ([]Report, error) {
	reports, err := c.run(ctx, c.actions(true, true))
	return reports, errors.Join(err, c.resume(ctx))
}

// ApplicationAppearedOnScreen repeats recovery when the application comes
// back to the foreground. Notifications are replayed only the first time.
// Pending delayed closures fire immediately and journaled protocol messages
// are re-enqueued.
func (c *Coordinator) ApplicationAppearedOnScreen(ctx context.Context, forTheFirstTime bool) ([]Report, error) {
	reports, err := c.run(ctx, c.actions(false, forTheFirstTime))
	c.scheduler.ExecuteAllWithNoDelay()
	return reports, errors.Join(err, c.resume(ctx))
}

func (c *Coordinator) run(ctx context.Context, actions []action) ([]Report, error) {
	reports := make([]Report, 0, len(actions))
	var errs []error
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		n, err := a.run(ctx)
		r := Report{Action: a.name, Repaired: n, Duration: time.Since(start), Err: err}
		reports = append(reports, r)
		if err != nil {
			c.log.Error("recovery action failed", "action", a.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.name, err))
			continue
		}
		c.log.Info("recovery action done", "action", a.name, "repaired", n, "duration", r.Duration)
	}
	return reports, errors.Join(errs...)
}

func (c *Coordinator) resume(ctx context.Context) error {
	if c.resumer == nil {
		return nil
	}
	n, err := c.resumer.ResumeAllPending(ctx)
	if err != nil {
		return fmt.Errorf("resume pending messages: %w", err)
	}
	c.log.Debug("resumed pending protocol messages", "count", n)
	return nil
}

// Close stops the scheduler, discarding pending retries. They are persisted
// and requeued by the next recovery.
func (c *Coordinator) Close() {
	c.scheduler.Close()
}

func (c *Coordinator) deletePushRegistrations(ctx context.Context) (int, error) {
	n, err := c.store.DeletePushRegistrations(ctx)
	return int(n), err
}

func (c *Coordinator) deleteOrphans(ctx context.Context) (int, error) {
	n, err := c.store.DeleteOrphans(ctx)
	return int(n), err
}

func (c *Coordinator) requeueServerDeletions(ctx context.Context) (int, error) {
	if c.deleter == nil {
		return 0, nil
	}
	pending, err := c.store.ServerDeletions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range pending {
		if c.deletions.submit(ctx, c.deleter, d) {
			n++
		}
	}
	return n, nil
}

func (c *Coordinator) deleteStaleJournal(ctx context.Context) (int, error) {
	n, err := c.store.PruneJournal(ctx, time.Now().Add(-c.retention))
	return int(n), err
}
