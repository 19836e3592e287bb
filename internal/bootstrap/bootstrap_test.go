package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/ir"
	"github.com/roach88/protocore/internal/retry"
	"github.com/roach88/protocore/internal/store"
)

const owner ident.Identity = "owner"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "protocore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	fail   map[string]error
}

func (n *recordingNotifier) record(event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.fail[event]
}

func (n *recordingNotifier) Reprocess(_ context.Context, m store.InboxMessage) error {
	return n.record("reprocess:" + string(m.ID))
}

func (n *recordingNotifier) PayloadSet(_ context.Context, m store.InboxMessage) error {
	return n.record("payload:" + string(m.ID))
}

func (n *recordingNotifier) AttachmentReady(_ context.Context, id []byte, number int) error {
	return n.record("attachment:" + string(id) + ":" + strconv.Itoa(number))
}

func (n *recordingNotifier) Delete(_ context.Context, m store.InboxMessage) error {
	return n.record("delete:" + string(m.ID))
}

func (n *recordingNotifier) sorted() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]string(nil), n.events...)
	sort.Strings(out)
	return out
}

type flakyDeleter struct {
	mu       sync.Mutex
	failures int
	calls    int
	done     chan string
}

func (d *flakyDeleter) DeleteFromServer(_ context.Context, sd store.ServerDeletion) error {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures
	d.mu.Unlock()
	if fail {
		d.done <- "fail:" + string(sd.MessageID)
		return errors.New("server unreachable")
	}
	d.done <- "ok:" + string(sd.MessageID)
	return nil
}

type countingResumer struct{ calls int }

func (r *countingResumer) ResumeAllPending(context.Context) (int, error) {
	r.calls++
	return 0, nil
}

func seedInbox(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AddInboxMessage(ctx, store.InboxMessage{ID: []byte("m1"), Owner: owner, Status: store.InboxUnprocessed}))
	require.NoError(t, s.AddInboxMessage(ctx, store.InboxMessage{
		ID: []byte("m2"), Owner: owner, Status: store.InboxProcessed,
		Attachments: []store.InboxAttachment{
			{Number: 0, Status: store.InboxProcessed},
			{Number: 1, Status: store.InboxUnprocessed},
		},
	}))
	require.NoError(t, s.AddInboxMessage(ctx, store.InboxMessage{ID: []byte("m3"), Owner: owner, Status: store.InboxPendingDelete}))
}

func reportFor(t *testing.T, reports []Report, action string) Report {
	t.Helper()
	for _, r := range reports {
		if r.Action == action {
			return r
		}
	}
	t.Fatalf("no report for %s", action)
	return Report{}
}

func TestFinalizeInitialization_RunsEveryActionInOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedInbox(t, s)
	require.NoError(t, s.AddPushRegistration(ctx, owner, uuid.New(), []byte("token")))
	require.NoError(t, s.AddInboxAttachment(ctx, []byte("gone"), store.InboxAttachment{Number: 0}))
	require.NoError(t, s.Directory().AddContactDevice(ctx, owner, "deleted-contact", uuid.New()))

	dir := t.TempDir()
	keep := ir.AttachmentDirName([]byte("m2"))
	for _, name := range []string{keep, "orphan-a", "orphan-b"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o700))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray-file"), nil, 0o600))

	notifier := &recordingNotifier{}
	resumer := &countingResumer{}
	c := New(s,
		WithNotifier(notifier),
		WithResumer(resumer),
		WithAttachmentsDir(dir),
		WithScheduler(retry.NewScheduler(retry.WithClock(clock.NewMock()))),
		WithLogger(discard),
	)
	defer c.Close()

	reports, err := c.FinalizeInitialization(ctx)
	require.NoError(t, err)

	var order []string
	for _, r := range reports {
		order = append(order, r.Action)
	}
	assert.Equal(t, []string{
		ActionPushRegistrations, ActionOrphans, ActionServerDeletions, ActionNotifications, ActionAttachmentDirs,
		ActionStaleJournal,
	}, order)

	assert.Equal(t, 1, reportFor(t, reports, ActionPushRegistrations).Repaired)
	assert.Equal(t, 2, reportFor(t, reports, ActionOrphans).Repaired)
	assert.Equal(t, 4, reportFor(t, reports, ActionNotifications).Repaired)
	assert.Equal(t, 2, reportFor(t, reports, ActionAttachmentDirs).Repaired)

	assert.Equal(t, []string{"attachment:m2:0", "delete:m3", "payload:m2", "reprocess:m1"}, notifier.sorted())
	assert.DirExists(t, filepath.Join(dir, keep))
	assert.NoDirExists(t, filepath.Join(dir, "orphan-a"))
	assert.FileExists(t, filepath.Join(dir, "stray-file"))
	assert.Equal(t, 1, resumer.calls)
}

func TestFinalizeInitialization_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.AddPushRegistration(ctx, owner, uuid.New(), []byte("token")))
	require.NoError(t, s.AddInboxAttachment(ctx, []byte("gone"), store.InboxAttachment{Number: 0}))

	c := New(s, WithAttachmentsDir(filepath.Join(t.TempDir(), "missing")), WithLogger(discard))
	defer c.Close()

	_, err := c.FinalizeInitialization(ctx)
	require.NoError(t, err)

	reports, err := c.FinalizeInitialization(ctx)
	require.NoError(t, err)
	for _, r := range reports {
		assert.Zero(t, r.Repaired, r.Action)
	}
}

func TestFinalizeInitialization_DeletesStaleJournal(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-20 * 24 * time.Hour)
	s, err := store.Open(filepath.Join(t.TempDir(), "protocore.db"), store.WithNow(func() time.Time { return old }))
	require.NoError(t, err)
	defer s.Close()

	live := uuid.New()
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.Save(ctx, store.Instance{
			Owner: owner, InstanceUID: live, Family: "f", StateKind: 1, State: []byte{0x80},
		}, 0)
		return err
	}))
	for _, uid := range []uuid.UUID{live, uuid.New()} {
		_, err := s.AppendJournal(ctx, store.JournalEntry{
			Owner: owner, InstanceUID: uid, Family: "f", Envelope: []byte{1}, Sender: "peer",
		})
		require.NoError(t, err)
	}

	// Foreground recovery leaves the journal alone.
	c := New(s, WithJournalRetention(30*24*time.Hour), WithLogger(discard))
	_, err = c.ApplicationAppearedOnScreen(ctx, true)
	require.NoError(t, err)
	pending, err := s.PendingJournal(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	reports, err := c.FinalizeInitialization(ctx)
	require.NoError(t, err)
	assert.Zero(t, reportFor(t, reports, ActionStaleJournal).Repaired, "younger than the retention")
	c.Close()

	c = New(s, WithLogger(discard))
	defer c.Close()
	reports, err = c.FinalizeInitialization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reportFor(t, reports, ActionStaleJournal).Repaired)

	pending, err = s.PendingJournal(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, live, pending[0].InstanceUID, "the entry of a persisted instance is kept")
}

func TestApplicationAppearedOnScreen_NotificationsOnlyFirstTime(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedInbox(t, s)

	notifier := &recordingNotifier{}
	resumer := &countingResumer{}
	c := New(s, WithNotifier(notifier), WithResumer(resumer), WithLogger(discard))
	defer c.Close()

	reports, err := c.ApplicationAppearedOnScreen(ctx, false)
	require.NoError(t, err)
	assert.Len(t, reports, 4)
	assert.Empty(t, notifier.sorted())

	reports, err = c.ApplicationAppearedOnScreen(ctx, true)
	require.NoError(t, err)
	assert.Len(t, reports, 5)
	assert.Len(t, notifier.sorted(), 4)
	assert.Equal(t, 2, resumer.calls)
}

func TestApplicationAppearedOnScreen_FlushesBackoff(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.AddServerDeletion(ctx, owner, []byte("m1")))

	mock := clock.NewMock()
	deleter := &flakyDeleter{failures: 1, done: make(chan string, 4)}
	c := New(s,
		WithServerDeleter(deleter),
		WithScheduler(retry.NewScheduler(retry.WithClock(mock))),
		WithBackoff(time.Hour, 2*time.Hour),
		WithLogger(discard),
	)
	defer c.Close()

	reports, err := c.FinalizeInitialization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reportFor(t, reports, ActionServerDeletions).Repaired)

	// The requeued deletion runs once the scheduler fires it, and fails.
	mock.Add(0)
	assert.Equal(t, "fail:m1", waitFor(t, deleter.done))
	require.Eventually(t, func() bool { return c.scheduler.Pending() == 1 }, time.Second, time.Millisecond)

	// Requeueing while a retry is scheduled does not start a second one.
	reports, err = c.ApplicationAppearedOnScreen(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, reportFor(t, reports, ActionServerDeletions).Repaired)

	// Coming to the foreground collapsed the hour of backoff.
	assert.Equal(t, "ok:m1", waitFor(t, deleter.done))
	require.Eventually(t, func() bool { return c.deletions.inflightCount() == 0 }, time.Second, time.Millisecond)

	pending, err := s.ServerDeletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, c.deletions.attempts.Count("m1"), "success resets the counter")
}

func TestServerDeletions_ClosedSchedulerReleasesMessage(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.AddServerDeletion(ctx, owner, []byte("m1")))

	deleter := &flakyDeleter{done: make(chan string, 1)}
	scheduler := retry.NewScheduler(retry.WithClock(clock.NewMock()))
	c := New(s, WithServerDeleter(deleter), WithScheduler(scheduler), WithLogger(discard))
	c.Close()

	pending, err := s.ServerDeletions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	assert.False(t, c.deletions.submit(ctx, deleter, pending[0]))
	assert.Zero(t, c.deletions.inflightCount(), "a refused attempt is not left in flight")

	// A fresh scheduler can take the message again.
	c.deletions.scheduler = retry.NewScheduler()
	defer c.deletions.scheduler.Close()
	assert.True(t, c.deletions.submit(ctx, deleter, pending[0]))
	assert.Equal(t, "ok:m1", waitFor(t, deleter.done))
	require.Eventually(t, func() bool { return c.deletions.inflightCount() == 0 }, time.Second, time.Millisecond)
}

func TestServerDeletions_FailureAfterCloseReleasesMessage(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.AddServerDeletion(ctx, owner, []byte("m1")))

	mock := clock.NewMock()
	deleter := &flakyDeleter{failures: 1, done: make(chan string, 1)}
	scheduler := retry.NewScheduler(retry.WithClock(mock))
	c := New(s, WithServerDeleter(deleter), WithScheduler(scheduler), WithLogger(discard))

	pending, err := s.ServerDeletions(ctx)
	require.NoError(t, err)
	require.True(t, c.deletions.submit(ctx, deleter, pending[0]))

	// Run the attempt after the scheduler closed: its retry is refused.
	scheduler.Close()
	c.deletions.attempt(ctx, deleter, pending[0])
	assert.Equal(t, "fail:m1", waitFor(t, deleter.done))
	assert.Zero(t, c.deletions.inflightCount())

	rows, err := s.ServerDeletions(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "the deletion stays persisted for the next recovery")
}

func TestRecovery_FailingActionDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seedInbox(t, s)
	require.NoError(t, s.AddPushRegistration(ctx, owner, uuid.New(), []byte("token")))

	notifier := &recordingNotifier{fail: map[string]error{"reprocess:m1": errors.New("queue full")}}
	c := New(s, WithNotifier(notifier), WithNotificationWorkers(1), WithLogger(discard))
	defer c.Close()

	reports, err := c.FinalizeInitialization(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ActionNotifications)
	assert.Contains(t, err.Error(), "queue full")

	assert.Len(t, reports, 6)
	assert.Error(t, reportFor(t, reports, ActionNotifications).Err)
	assert.NoError(t, reportFor(t, reports, ActionAttachmentDirs).Err)
	assert.Equal(t, 1, reportFor(t, reports, ActionPushRegistrations).Repaired)
	assert.Len(t, notifier.sorted(), 4, "other messages are still notified")
}

func TestRecovery_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(openStore(t), WithLogger(discard))
	defer c.Close()

	reports, err := c.FinalizeInitialization(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reports)
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}
