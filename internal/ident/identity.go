package ident

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/wire"
)

// Identity is an opaque cryptographic public identifier. It is comparable and
// usable as a map key; the underlying string holds raw bytes, not text.
type Identity string

// DeviceUID identifies one physical device of an identity.
type DeviceUID = uuid.UUID

// TrustOrigin records how a contact came to be trusted.
type TrustOrigin string

const (
	// TrustOriginSAS marks a contact authenticated by a compared SAS.
	TrustOriginSAS TrustOrigin = "sas"
)

// ErrEmptyIdentity is returned when decoding a zero-length identity.
var ErrEmptyIdentity = errors.New("ident: empty identity")

// IdentityFromBytes copies b into an Identity.
func IdentityFromBytes(b []byte) Identity {
	return Identity(b)
}

// ParseIdentity decodes a hex identity such as "aa".
func ParseIdentity(s string) (Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("parse identity %q: %w", s, err)
	}
	if len(b) == 0 {
		return "", ErrEmptyIdentity
	}
	return Identity(b), nil
}

// Bytes returns the raw identity bytes.
func (i Identity) Bytes() []byte {
	return []byte(i)
}

// String renders the identity as hex.
func (i Identity) String() string {
	return hex.EncodeToString([]byte(i))
}

// Wire encodes the identity.
func (i Identity) Wire() wire.Value {
	return wire.Bytes(i)
}

// IdentityFromWire decodes a non-empty identity.
func IdentityFromWire(v wire.Value) (Identity, error) {
	b, err := wire.AsBytes(v)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", ErrEmptyIdentity
	}
	return Identity(b), nil
}

// UIDWire encodes a UID as 16 bytes.
func UIDWire(u uuid.UUID) wire.Value {
	return wire.Bytes(u[:])
}

// UIDFromWire decodes a 16-byte UID.
func UIDFromWire(v wire.Value) (uuid.UUID, error) {
	b, err := wire.AsBytes(v)
	if err != nil {
		return uuid.Nil, err
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode uid: %w", err)
	}
	return u, nil
}

// DevicesWire encodes a device set as a list.
func DevicesWire(devices []DeviceUID) wire.Value {
	l := make(wire.List, len(devices))
	for i, d := range devices {
		l[i] = UIDWire(d)
	}
	return l
}

// DevicesFromWire decodes a device set, dropping duplicates.
func DevicesFromWire(v wire.Value) ([]DeviceUID, error) {
	l, err := wire.AsList(v)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceUID, 0, len(l))
	for i, elem := range l {
		d, err := UIDFromWire(elem)
		if err != nil {
			return nil, fmt.Errorf("device[%d]: %w", i, err)
		}
		out = UnionDevices(out, d)
	}
	return out, nil
}

// UnionDevices appends the devices not already present in set.
func UnionDevices(set []DeviceUID, devices ...DeviceUID) []DeviceUID {
	for _, d := range devices {
		if !slices.Contains(set, d) {
			set = append(set, d)
		}
	}
	return set
}
