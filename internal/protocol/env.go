package protocol

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/wire"
)

// CommitmentLedger remembers the commitments an owned identity has received,
// so a replayed commitment can be refused.
type CommitmentLedger interface {
	// RecordCommitment stores commitment and reports whether it was new.
	RecordCommitment(ctx context.Context, owner ident.Identity, commitment []byte) (fresh bool, err error)
}

// Env carries the capabilities a step may use. Directory and Ledger are bound
// to the transaction that will persist the step's resulting state.
type Env struct {
	Owner       ident.Identity
	InstanceUID uuid.UUID
	Family      FamilyID

	Directory ident.Directory
	Ledger    CommitmentLedger
	PRNG      io.Reader
	UIDs      ident.UIDGenerator
	SASDigits int
	Log       *slog.Logger

	outbox []channel.Outbound
}

// Post queues a message for delivery once the step's transaction commits.
func (e *Env) Post(kind channel.Kind, msg MessageKind, inputs wire.List) {
	e.outbox = append(e.outbox, channel.Outbound{
		Envelope: channel.Envelope{
			Family:      string(e.Family),
			InstanceUID: e.InstanceUID,
			MessageKind: uint64(msg),
			Inputs:      inputs,
		},
		Channel: kind,
		From:    e.Owner,
	})
}

// ShowDialog queues a dialog. The human's answer comes back as a Local
// message of kind response carrying dialogUID in its routing.
func (e *Env) ShowDialog(dialogUID uuid.UUID, d channel.Dialog, response MessageKind) {
	e.Post(channel.UserInterfaceDialog{DialogUID: dialogUID, Owner: e.Owner, Dialog: d}, response, wire.List{})
}

// Outbox returns the messages queued so far.
func (e *Env) Outbox() []channel.Outbound {
	return e.outbox
}
