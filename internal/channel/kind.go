package channel

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/ident"
)

// Type identifies a channel kind without its parameters. Inbound messages
// carry the Type they were actually received on; steps declare the Types
// they accept.
type Type int

const (
	// TypeLocal is in-process loopback, including human dialog responses.
	TypeLocal Type = iota + 1
	// TypeAsymmetric is the unauthenticated channel to an identity's devices.
	TypeAsymmetric
	// TypeAsymmetricBroadcast is the unauthenticated broadcast to all
	// current devices of an identity. It is received as TypeAsymmetric.
	TypeAsymmetricBroadcast
	// TypeObliviousWithOwnedDevice is an authenticated channel to one other
	// device of the owned identity.
	TypeObliviousWithOwnedDevice
	// TypeAllObliviousWithOtherOwnedDevices fans out over every confirmed
	// oblivious channel of the owned identity. It is received as
	// TypeObliviousWithOwnedDevice.
	TypeAllObliviousWithOtherOwnedDevices
	// TypeUserInterfaceDialog surfaces a dialog to the human.
	TypeUserInterfaceDialog
)

var typeNames = map[Type]string{
	TypeLocal:                             "local",
	TypeAsymmetric:                        "asymmetric",
	TypeAsymmetricBroadcast:               "asymmetric_broadcast",
	TypeObliviousWithOwnedDevice:          "oblivious",
	TypeAllObliviousWithOtherOwnedDevices: "all_oblivious",
	TypeUserInterfaceDialog:               "dialog",
}

// String returns the snake_case name used in logs and traces.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("channel(%d)", int(t))
}

// ReceivedAs maps a sending Type to the Type the receiver observes.
func (t Type) ReceivedAs() Type {
	switch t {
	case TypeAsymmetricBroadcast:
		return TypeAsymmetric
	case TypeAllObliviousWithOtherOwnedDevices:
		return TypeObliviousWithOwnedDevice
	case TypeUserInterfaceDialog:
		return TypeLocal
	default:
		return t
	}
}

// Accepts reports whether t is one of allowed.
func (t Type) Accepts(allowed []Type) bool {
	return slices.Contains(allowed, t)
}

// Kind is a sealed interface over the channel kinds a step can post on.
type Kind interface {
	Type() Type
	kind()
}

// Local routes a message back into the sending engine.
type Local struct{}

// Asymmetric targets selected devices of an identity. An empty ViaDevices
// targets every device the sender knows.
type Asymmetric struct {
	To         ident.Identity
	ViaDevices []ident.DeviceUID
}

// AsymmetricBroadcast targets every current device of an identity.
type AsymmetricBroadcast struct {
	To ident.Identity
}

// AnyObliviousWithOwnedDevice targets one other device of Owner.
type AnyObliviousWithOwnedDevice struct {
	Owner ident.Identity
}

// AllConfirmedObliviousWithOtherOwnedDevices targets every other device of Owner.
type AllConfirmedObliviousWithOtherOwnedDevices struct {
	Owner ident.Identity
}

// UserInterfaceDialog shows Dialog to Owner's human, keyed by DialogUID.
type UserInterfaceDialog struct {
	DialogUID uuid.UUID
	Owner     ident.Identity
	Dialog    Dialog
}

func (Local) Type() Type                                      { return TypeLocal }
func (Asymmetric) Type() Type                                 { return TypeAsymmetric }
func (AsymmetricBroadcast) Type() Type                        { return TypeAsymmetricBroadcast }
func (AnyObliviousWithOwnedDevice) Type() Type                { return TypeObliviousWithOwnedDevice }
func (AllConfirmedObliviousWithOtherOwnedDevices) Type() Type { return TypeAllObliviousWithOtherOwnedDevices }
func (UserInterfaceDialog) Type() Type                        { return TypeUserInterfaceDialog }

func (Local) kind()                                      {}
func (Asymmetric) kind()                                 {}
func (AsymmetricBroadcast) kind()                        {}
func (AnyObliviousWithOwnedDevice) kind()                {}
func (AllConfirmedObliviousWithOtherOwnedDevices) kind() {}
func (UserInterfaceDialog) kind()                        {}
