package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/metrics"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/store"
	"github.com/roach88/protocore/internal/wire"
)

// DefaultMaxSteps is the default maximum number of steps per Drain call.
const DefaultMaxSteps = 1000

// DefaultSASDigits is the SAS length used when none is configured.
const DefaultSASDigits = 4

// Engine is the protocol stepping engine.
//
// All state transitions run through Handle, which holds a single mutex for
// the whole load-execute-persist cycle: no two steps ever commit
// concurrently against the store, whichever instances they belong to.
//
// Thread-safety model:
//   - Receive(), Enqueue(): safe from any goroutine
//   - Run() or Drain(): must be called from exactly one goroutine
//   - Handle(): safe from any goroutine, serialized internally
type Engine struct {
	store    *store.Store
	delegate channel.Delegate
	families map[protocol.FamilyID]*protocol.Family

	queue *messageQueue
	clock *Clock
	mu    sync.Mutex // serializes Handle

	// inflight holds the journal ids currently sitting in the queue, so that
	// resuming pending messages never queues the same row twice.
	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	prng      io.Reader
	uids      ident.UIDGenerator
	sasDigits int
	maxSteps  int
	metrics   *metrics.Engine
	log       *slog.Logger
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithPRNG sets the randomness source handed to steps. Default: crypto/rand.
func WithPRNG(r io.Reader) EngineOption {
	return func(e *Engine) {
		e.prng = r
	}
}

// WithUIDs sets the generator for instance and dialog UIDs.
func WithUIDs(g ident.UIDGenerator) EngineOption {
	return func(e *Engine) {
		e.uids = g
	}
}

// WithSASDigits sets the number of SAS digits. Default: 4.
func WithSASDigits(n int) EngineOption {
	return func(e *Engine) {
		e.sasDigits = n
	}
}

// WithMaxSteps sets the maximum steps quota per Drain call.
//
// Default: 1000 steps (DefaultMaxSteps)
// Use WithMaxSteps(10) for testing quota enforcement.
func WithMaxSteps(maxSteps int) EngineOption {
	return func(e *Engine) {
		e.maxSteps = maxSteps
	}
}

// WithMetrics records executions and drops on m.
func WithMetrics(m *metrics.Engine) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock sets the logical clock used to stamp outcomes.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine running the given protocol families.
// Every family is validated; a duplicate family id is an error.
func New(s *store.Store, delegate channel.Delegate, families []*protocol.Family, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:     s,
		delegate:  delegate,
		families:  make(map[protocol.FamilyID]*protocol.Family, len(families)),
		queue:     newMessageQueue(),
		clock:     NewClock(),
		inflight:  make(map[int64]struct{}),
		prng:      rand.Reader,
		uids:      ident.RandomUIDs{},
		sasDigits: DefaultSASDigits,
		maxSteps:  DefaultMaxSteps,
		log:       slog.Default(),
	}

	for _, f := range families {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if _, dup := e.families[f.ID]; dup {
			return nil, fmt.Errorf("engine: duplicate family %s", f.ID)
		}
		e.families[f.ID] = f
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Receive journals an inbound message and queues it for processing. The
// message stays journaled until a step consumes it, it is dropped, or its
// instance terminates.
func (e *Engine) Receive(ctx context.Context, msg *protocol.Message) error {
	entry, err := journalEntry(msg)
	if err != nil {
		return err
	}
	id, err := e.store.AppendJournal(ctx, entry)
	if err != nil {
		return fmt.Errorf("receive %s: %w", msg.InstanceUID, err)
	}
	m := *msg
	m.JournalID = id
	e.enqueueJournaled(&m)
	return nil
}

// Enqueue queues a message for processing without journaling it.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(msg *protocol.Message) bool {
	return e.queue.Enqueue(msg)
}

// StartProtocol creates a new instance of family for owner by submitting the
// family's start message on the local channel. Returns the instance UID.
func (e *Engine) StartProtocol(ctx context.Context, owner ident.Identity, family protocol.FamilyID, inputs wire.List) (uuid.UUID, error) {
	f, ok := e.families[family]
	if !ok {
		return uuid.Nil, fmt.Errorf("start protocol: unknown family %s", family)
	}
	uid := e.uids.NewUID()
	msg := &protocol.Message{
		Family:      family,
		InstanceUID: uid,
		Kind:        f.Start,
		Routing: protocol.Routing{
			Owner:   owner,
			From:    owner,
			Channel: channel.TypeLocal,
		},
		Inputs: inputs,
	}
	if err := e.Receive(ctx, msg); err != nil {
		return uuid.Nil, fmt.Errorf("start protocol: %w", err)
	}
	return uid, nil
}

// ResumeAllPending queues every journaled message in arrival order. Used at
// startup and by bootstrap recovery. Messages already queued are skipped.
// Returns the number of messages queued.
func (e *Engine) ResumeAllPending(ctx context.Context) (int, error) {
	entries, err := e.store.PendingJournal(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume pending: %w", err)
	}
	return e.requeue(ctx, entries), nil
}

// resumeInstance queues the journaled messages of one instance. Called after
// a step commits, since the new state may accept a message that arrived early.
func (e *Engine) resumeInstance(ctx context.Context, owner ident.Identity, uid uuid.UUID) {
	entries, err := e.store.PendingForInstance(ctx, owner, uid)
	if err != nil {
		e.log.Error("resume instance failed", "instance_uid", uid, "error", err)
		return
	}
	e.requeue(ctx, entries)
}

func (e *Engine) requeue(ctx context.Context, entries []store.JournalEntry) int {
	n := 0
	for _, entry := range entries {
		msg, err := messageFromJournal(entry)
		if err != nil {
			e.log.Warn("message dropped",
				"journal_id", entry.ID,
				"instance_uid", entry.InstanceUID,
				"reason", DropDecodeFailed,
				"error", err,
			)
			e.metrics.Dropped(string(DropDecodeFailed))
			if derr := e.store.DeleteJournalEntry(ctx, entry.ID); derr != nil {
				e.log.Error("delete journal entry failed", "journal_id", entry.ID, "error", derr)
			}
			continue
		}
		if e.enqueueJournaled(msg) {
			n++
		}
	}
	return n
}

func (e *Engine) enqueueJournaled(msg *protocol.Message) bool {
	e.inflightMu.Lock()
	if _, queued := e.inflight[msg.JournalID]; queued {
		e.inflightMu.Unlock()
		return false
	}
	e.inflight[msg.JournalID] = struct{}{}
	e.inflightMu.Unlock()

	if !e.queue.Enqueue(msg) {
		e.markDequeued(msg)
		return false
	}
	return true
}

func (e *Engine) markDequeued(msg *protocol.Message) {
	if msg.JournalID == 0 {
		return
	}
	e.inflightMu.Lock()
	delete(e.inflight, msg.JournalID)
	e.inflightMu.Unlock()
}

// Pending returns the number of queued messages.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Run starts the serial processing loop.
// Blocks until context is cancelled or Stop() is called.
//
// ERROR HANDLING: a failed message is logged with its context and processing
// continues. Redelivery is the responsibility of the layer that delivered
// the message; journaled messages are retried by ResumeAllPending.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting")

	for {
		msg, ok := e.queue.TryDequeue()
		if ok {
			e.markDequeued(msg)
			if _, err := e.Handle(ctx, msg); err != nil {
				e.logHandleError(msg, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case _, open := <-e.queue.Wait():
			// A buffered signal may outlive the message that sent it; only a
			// closed channel means Stop.
			if !open && e.queue.Len() == 0 {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Drain processes queued messages until the queue is empty, including the
// messages that steps feed back into the engine. At most max steps are
// executed; when the quota is used up with messages still queued, Drain
// stops with a quota error and leaves them queued. Errors from individual
// messages are logged and joined.
func (e *Engine) Drain(ctx context.Context) ([]Outcome, error) {
	quota := NewQuotaEnforcer(e.maxSteps)
	var (
		outcomes []Outcome
		errs     []error
	)

	for {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if e.queue.Len() > 0 && quota.Check() != nil {
			e.log.Error("max steps quota reached",
				"steps", quota.Current(),
				"limit", quota.MaxSteps(),
				"queued", e.queue.Len(),
			)
			errs = append(errs, NewQuotaError(quota.Current(), quota.MaxSteps()))
			return outcomes, errors.Join(errs...)
		}
		msg, ok := e.queue.TryDequeue()
		if !ok {
			return outcomes, errors.Join(errs...)
		}
		e.markDequeued(msg)

		out, err := e.Handle(ctx, msg)
		outcomes = append(outcomes, out)
		if err != nil {
			e.logHandleError(msg, err)
			errs = append(errs, err)
		}
		if out.Executed {
			quota.Record()
		}
	}
}

func (e *Engine) logHandleError(msg *protocol.Message, err error) {
	e.log.Error("message handling failed",
		"family", msg.Family,
		"instance_uid", msg.InstanceUID,
		"message_kind", msg.Kind,
		"channel", msg.Routing.Channel,
		"error", err,
	)
}

func journalEntry(msg *protocol.Message) (store.JournalEntry, error) {
	data, err := msg.Envelope().Encode()
	if err != nil {
		return store.JournalEntry{}, fmt.Errorf("encode message %s: %w", msg.InstanceUID, err)
	}
	return store.JournalEntry{
		Owner:         msg.Routing.Owner,
		InstanceUID:   msg.InstanceUID,
		Family:        string(msg.Family),
		Envelope:      data,
		Sender:        msg.Routing.From,
		SenderDevices: msg.Routing.FromDevices,
		Channel:       int(msg.Routing.Channel),
		DialogUID:     msg.Routing.DialogUID,
	}, nil
}

func messageFromJournal(entry store.JournalEntry) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(entry.Envelope, protocol.Routing{
		Owner:       entry.Owner,
		From:        entry.Sender,
		FromDevices: entry.SenderDevices,
		Channel:     channel.Type(entry.Channel),
		DialogUID:   entry.DialogUID,
	})
	if err != nil {
		return nil, err
	}
	msg.JournalID = entry.ID
	return msg, nil
}
