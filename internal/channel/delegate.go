package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/wire"
)

// ErrNoRecipient is returned by delegates that cannot resolve any target device.
var ErrNoRecipient = errors.New("channel: no recipient")

// Envelope is the wire form of a protocol message:
//
//	[family, instance_uid, message_kind, inputs]
type Envelope struct {
	Family      string
	InstanceUID uuid.UUID
	MessageKind uint64
	Inputs      wire.List
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	inputs := e.Inputs
	if inputs == nil {
		inputs = wire.List{}
	}
	return wire.Encode(wire.List{
		wire.String(e.Family),
		ident.UIDWire(e.InstanceUID),
		wire.Uint(e.MessageKind),
		inputs,
	})
}

// DecodeEnvelope parses an envelope, rejecting any other arity.
func DecodeEnvelope(data []byte) (Envelope, error) {
	l, err := wire.DecodeList(data, 4)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	family, err := wire.AsString(l[0])
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope family: %w", err)
	}
	uid, err := ident.UIDFromWire(l[1])
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope uid: %w", err)
	}
	kind, err := wire.AsUint(l[2])
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope kind: %w", err)
	}
	inputs, err := wire.AsList(l[3])
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope inputs: %w", err)
	}
	return Envelope{Family: family, InstanceUID: uid, MessageKind: kind, Inputs: inputs}, nil
}

// Outbound is a message a step asked to send, with its target channel.
// For dialogs, MessageKind is the kind the human's response will carry.
type Outbound struct {
	Envelope
	Channel Kind
	From    ident.Identity
}

// Receipt acknowledges a post.
type Receipt struct {
	Recipients int
}

// Delegate routes encoded messages to the transport or the user interface.
// The core never inspects transport details.
type Delegate interface {
	Post(ctx context.Context, msg Outbound) (Receipt, error)
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ctx context.Context, msg Outbound) (Receipt, error)

// Post calls f.
func (f DelegateFunc) Post(ctx context.Context, msg Outbound) (Receipt, error) {
	return f(ctx, msg)
}
