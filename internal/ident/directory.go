package ident

import (
	"context"

	"github.com/roach88/protocore/internal/crypto"
)

// Directory is the identity subsystem consulted by protocol steps.
//
// Implementations used by the stepping engine are bound to the storage
// transaction of the step being executed, so that contact mutations commit
// or roll back together with the protocol state.
type Directory interface {
	// CurrentDeviceUID returns the device this process runs on.
	CurrentDeviceUID(ctx context.Context, owned Identity) (DeviceUID, error)

	// DeviceUIDs returns every device of the owned identity, current included.
	DeviceUIDs(ctx context.Context, owned Identity) ([]DeviceUID, error)

	// OtherDeviceUIDs returns the owned identity's devices except the current one.
	OtherDeviceUIDs(ctx context.Context, owned Identity) ([]DeviceUID, error)

	// OwnedDetails returns the details the owned identity publishes.
	OwnedDetails(ctx context.Context, owned Identity) (CoreDetails, error)

	// DeriveSeed derives a seed from the owned identity's long-term secret.
	DeriveSeed(ctx context.Context, owned Identity, diversifier []byte) (crypto.Seed, error)

	// AddContact inserts contact, or records origin on an existing contact.
	AddContact(ctx context.Context, owned, contact Identity, details CoreDetails, origin TrustOrigin) error

	// AddContactDevice adds device to the contact's device set. Adding a
	// device twice is a no-op.
	AddContactDevice(ctx context.Context, owned, contact Identity, device DeviceUID) error
}
