package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/store"
)

// DropReason explains why a message was discarded without executing a step.
type DropReason string

const (
	DropUnknownFamily   DropReason = "unknown_family"
	DropTerminal        DropReason = "terminal_instance"
	DropNoMatchingStep  DropReason = "no_matching_step"
	DropChannelMismatch DropReason = "channel_mismatch"
	DropAmbiguous       DropReason = "ambiguous_steps"
	DropDecodeFailed    DropReason = "decode_failed"
)

// Outcome reports what Handle did with one message.
type Outcome struct {
	// Seq orders outcomes of the same engine.
	Seq int64

	Family      protocol.FamilyID
	Owner       ident.Identity
	InstanceUID uuid.UUID
	Message     protocol.MessageKind
	Channel     channel.Type

	// Step is the executed step's name.
	Step     string
	Executed bool
	// Pending is set when no step accepts the message in the current state
	// and the message stays journaled for a later state.
	Pending bool
	Dropped DropReason

	From     protocol.StateKind
	To       protocol.StateKind
	Terminal bool

	// Delivered counts outbound messages handed to the delegate or looped
	// back into the engine.
	Delivered int
}

// Handle runs the stepping algorithm for one inbound message:
//
//  1. Load the instance state (absent means the family's initial state).
//  2. Select the steps declared for (state kind, message kind).
//  3. Keep those accepting the channel the message was received on.
//  4. Execute the single remaining step inside one transaction, persisting
//     its result with an optimistic version check. Outbound messages on the
//     local channel are journaled in the same transaction.
//  5. After commit, deliver the step's outbound messages.
//
// Mismatched, ambiguous and malformed messages are dropped and reported in
// the Outcome, not as errors. Errors are RuntimeErrors: a conflict or step
// failure means nothing was committed; a delivery failure means the
// transition committed but some outbound messages were not posted.
func (e *Engine) Handle(ctx context.Context, msg *protocol.Message) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Outcome{
		Seq:         e.clock.Next(),
		Family:      msg.Family,
		Owner:       msg.Routing.Owner,
		InstanceUID: msg.InstanceUID,
		Message:     msg.Kind,
		Channel:     msg.Routing.Channel,
	}

	fam, ok := e.families[msg.Family]
	if !ok {
		return e.drop(ctx, out, msg, DropUnknownFamily, nil)
	}

	// Load outside the transaction: the version check in Save detects any
	// change between here and commit.
	state := fam.Initial
	var version int64
	inst, err := e.store.Load(ctx, msg.Routing.Owner, msg.InstanceUID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return out, newStepError(string(msg.Family), msg.InstanceUID.String(), "load", err)
	case inst.Terminal:
		out.From = protocol.StateKind(inst.StateKind)
		return e.drop(ctx, out, msg, DropTerminal, nil)
	case inst.Family != string(msg.Family):
		return e.drop(ctx, out, msg, DropDecodeFailed, fmt.Errorf("instance belongs to family %s", inst.Family))
	default:
		state, err = fam.DecodeState(inst.State)
		if err != nil {
			return out, newStepError(string(msg.Family), msg.InstanceUID.String(), "decode state", err)
		}
		version = inst.Version
	}
	out.From = state.Kind()
	out.To = state.Kind()

	candidates := fam.Steps.Candidates(state.Kind(), msg.Kind)
	if len(candidates) == 0 {
		if msg.JournalID != 0 {
			out.Pending = true
			e.log.Debug("message pending",
				"family", msg.Family,
				"instance_uid", msg.InstanceUID,
				"state_kind", fam.StateName(state.Kind()),
				"message_kind", fam.MessageName(msg.Kind),
				"reason", DropNoMatchingStep,
			)
			return out, nil
		}
		return e.drop(ctx, out, msg, DropNoMatchingStep, nil)
	}

	eligible := protocol.Eligible(candidates, msg.Routing.Channel)
	switch len(eligible) {
	case 0:
		return e.drop(ctx, out, msg, DropChannelMismatch, nil)
	case 1:
	default:
		if debugAssertions {
			panic(fmt.Sprintf("engine: %d steps match %s/%s on %s", len(eligible),
				fam.StateName(state.Kind()), fam.MessageName(msg.Kind), msg.Routing.Channel))
		}
		return e.drop(ctx, out, msg, DropAmbiguous, nil)
	}
	step := eligible[0]
	out.Step = step.Name

	env := &protocol.Env{
		Owner:       msg.Routing.Owner,
		InstanceUID: msg.InstanceUID,
		Family:      fam.ID,
		PRNG:        e.prng,
		UIDs:        e.uids,
		SASDigits:   e.sasDigits,
		Log: e.log.With(
			"family", fam.ID,
			"instance_uid", msg.InstanceUID,
			"step", step.Name,
		),
	}

	var (
		outbox   []channel.Outbound
		looped   []*protocol.Message
		next     protocol.State
		terminal bool
	)
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		env.Directory = tx.Directory()
		env.Ledger = tx

		var err error
		next, err = step.Run(ctx, env, state, msg)
		if err != nil {
			return err
		}
		if next == nil {
			next = fam.Cancelled
		}
		data, err := protocol.EncodeState(next)
		if err != nil {
			return err
		}
		terminal = fam.IsTerminal(next.Kind())

		if _, err := tx.Save(ctx, store.Instance{
			Owner:       msg.Routing.Owner,
			InstanceUID: msg.InstanceUID,
			Family:      string(fam.ID),
			StateKind:   uint64(next.Kind()),
			State:       data,
			Terminal:    terminal,
		}, version); err != nil {
			return err
		}

		if msg.JournalID != 0 {
			if err := tx.DeleteJournalEntry(ctx, msg.JournalID); err != nil {
				return err
			}
		}
		if terminal {
			if _, err := tx.DeleteInstanceJournal(ctx, msg.Routing.Owner, msg.InstanceUID); err != nil {
				return err
			}
		}

		pending := env.Outbox()
		var journaled []*protocol.Message
		for _, ob := range pending {
			if ob.Channel.Type() != channel.TypeLocal {
				continue
			}
			m := loopback(ob)
			entry, err := journalEntry(m)
			if err != nil {
				return err
			}
			if m.JournalID, err = tx.AppendJournal(ctx, entry); err != nil {
				return err
			}
			journaled = append(journaled, m)
		}

		tx.OnCommit(func() {
			outbox = pending
			looped = journaled
		})
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrMalformedInputs):
		return e.drop(ctx, out, msg, DropDecodeFailed, err)
	case errors.Is(err, store.ErrConflict):
		e.metrics.Conflict()
		return out, newCancelledError(string(fam.ID), msg.InstanceUID.String(), err)
	default:
		if debugAssertions && errors.Is(err, protocol.ErrStateType) {
			panic(err)
		}
		return out, newStepError(string(fam.ID), msg.InstanceUID.String(), step.Name, err)
	}

	out.Executed = true
	out.To = next.Kind()
	out.Terminal = terminal
	e.metrics.StepExecuted(string(fam.ID), step.Name)
	e.log.Info("step executed",
		"family", fam.ID,
		"instance_uid", msg.InstanceUID,
		"step", step.Name,
		"from", fam.StateName(out.From),
		"to", fam.StateName(out.To),
		"terminal", out.Terminal,
	)

	derr := e.deliver(ctx, &out, outbox, looped)

	if !out.Terminal {
		e.resumeInstance(ctx, msg.Routing.Owner, msg.InstanceUID)
	}
	return out, derr
}

// deliver posts a committed step's outbound messages. Local messages were
// journaled with the step and are only enqueued here, in outbox order;
// everything else goes to the delegate. Failures do not undo the committed
// transition.
func (e *Engine) deliver(ctx context.Context, out *Outcome, outbox []channel.Outbound, looped []*protocol.Message) error {
	var errs []error
	for _, ob := range outbox {
		if ob.Channel.Type() == channel.TypeLocal {
			// A stopped engine leaves it journaled for the next resume.
			e.enqueueJournaled(looped[0])
			looped = looped[1:]
			out.Delivered++
			continue
		}
		_, err := e.delegate.Post(ctx, ob)
		if err != nil {
			e.metrics.DeliveryFailed()
			e.log.Warn("delivery failed",
				"family", ob.Family,
				"instance_uid", ob.InstanceUID,
				"message_kind", ob.MessageKind,
				"channel", ob.Channel.Type(),
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		out.Delivered++
	}
	if len(errs) == 0 {
		return nil
	}
	return newDeliveryError(string(out.Family), out.InstanceUID.String(), len(errs), len(outbox), errors.Join(errs...))
}

// loopback is the inbound form of a message a step sent to its own owner.
func loopback(ob channel.Outbound) *protocol.Message {
	return &protocol.Message{
		Family:      protocol.FamilyID(ob.Family),
		InstanceUID: ob.InstanceUID,
		Kind:        protocol.MessageKind(ob.MessageKind),
		Routing: protocol.Routing{
			Owner:   ob.From,
			From:    ob.From,
			Channel: channel.TypeLocal,
		},
		Inputs: ob.Inputs,
	}
}

// drop discards a message: the outcome records the reason and the journal
// row, if any, is deleted.
func (e *Engine) drop(ctx context.Context, out Outcome, msg *protocol.Message, reason DropReason, cause error) (Outcome, error) {
	out.Dropped = reason
	e.metrics.Dropped(string(reason))

	attrs := []any{
		"family", msg.Family,
		"instance_uid", msg.InstanceUID,
		"message_kind", msg.Kind,
		"channel", msg.Routing.Channel,
		"reason", reason,
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	e.log.Warn("message dropped", attrs...)

	if msg.JournalID != 0 {
		if err := e.store.DeleteJournalEntry(ctx, msg.JournalID); err != nil {
			return out, newStepError(string(msg.Family), msg.InstanceUID.String(), "drop", err)
		}
	}
	return out, nil
}
