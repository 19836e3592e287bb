package protocol

import (
	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/wire"
)

// FamilyID identifies a protocol family.
type FamilyID string

// MessageKind identifies a message within a family.
type MessageKind uint64

// StateKind identifies a state within a family.
type StateKind uint64

// Routing is the core routing information attached to an inbound message by
// the layer that received and decrypted it.
type Routing struct {
	// Owner is the owned identity the message is addressed to.
	Owner ident.Identity
	// From is the sending identity.
	From ident.Identity
	// FromDevices is the originating device set, when known.
	FromDevices []ident.DeviceUID
	// Channel is the channel the message was actually received on.
	Channel channel.Type
	// DialogUID is set for human responses to a dialog.
	DialogUID uuid.UUID
}

// Message is an inbound protocol message. It is immutable once constructed.
type Message struct {
	Family      FamilyID
	InstanceUID uuid.UUID
	Kind        MessageKind
	Routing     Routing
	Inputs      wire.List

	// JournalID is the received-message journal row, 0 when not journaled.
	JournalID int64
}

// NewMessage parses wire bytes received with the given routing.
func NewMessage(data []byte, routing Routing) (*Message, error) {
	env, err := channel.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Family:      FamilyID(env.Family),
		InstanceUID: env.InstanceUID,
		Kind:        MessageKind(env.MessageKind),
		Routing:     routing,
		Inputs:      env.Inputs,
	}, nil
}

// Envelope returns the wire form of the message, without routing.
func (m *Message) Envelope() channel.Envelope {
	return channel.Envelope{
		Family:      string(m.Family),
		InstanceUID: m.InstanceUID,
		MessageKind: uint64(m.Kind),
		Inputs:      m.Inputs,
	}
}

// ExpectInputs checks the declared arity of the message inputs.
func (m *Message) ExpectInputs(arity int) (wire.List, error) {
	return wire.ExpectList(m.Inputs, arity)
}
