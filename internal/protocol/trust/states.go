package trust

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/crypto"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/wire"
)

// State kinds.
const (
	StateInitial                protocol.StateKind = 0
	StateWaitingForSeed         protocol.StateKind = 1
	StateWaitingForConfirmation protocol.StateKind = 2
	StateWaitingForDecommitment protocol.StateKind = 3
	StateWaitingForUserSAS      protocol.StateKind = 4
	StateContactIdentityTrusted protocol.StateKind = 5
	StateMutualTrustConfirmed   protocol.StateKind = 6
	StateCancelled              protocol.StateKind = 7
)

var stateNames = map[protocol.StateKind]string{
	StateInitial:                "Initial",
	StateWaitingForSeed:         "WaitingForSeed",
	StateWaitingForConfirmation: "WaitingForConfirmation",
	StateWaitingForDecommitment: "WaitingForDecommitment",
	StateWaitingForUserSAS:      "WaitingForUserSAS",
	StateContactIdentityTrusted: "ContactIdentityTrusted",
	StateMutualTrustConfirmed:   "MutualTrustConfirmed",
	StateCancelled:              "Cancelled",
}

// Initial is the state of an instance with nothing persisted.
type Initial struct{}

func (Initial) Kind() protocol.StateKind { return StateInitial }
func (Initial) Payload() wire.List       { return nil }

// WaitingForSeed is Alice's state once her commitment is out.
type WaitingForSeed struct {
	Contact      ident.Identity
	ContactName  string
	Decommitment []byte
	Seed         crypto.Seed
	DialogUID    uuid.UUID
}

func (WaitingForSeed) Kind() protocol.StateKind { return StateWaitingForSeed }

func (s WaitingForSeed) Payload() wire.List {
	return wire.List{
		s.Contact.Wire(),
		wire.String(s.ContactName),
		wire.Bytes(s.Decommitment),
		wire.Bytes(s.Seed.Bytes()),
		ident.UIDWire(s.DialogUID),
	}
}

// WaitingForConfirmation is Bob's state while his human decides.
type WaitingForConfirmation struct {
	Contact        ident.Identity
	ContactDetails ident.CoreDetails
	ContactDevices []ident.DeviceUID
	Commitment     []byte
	DialogUID      uuid.UUID
}

func (WaitingForConfirmation) Kind() protocol.StateKind { return StateWaitingForConfirmation }

func (s WaitingForConfirmation) Payload() wire.List {
	return wire.List{
		s.Contact.Wire(),
		s.ContactDetails.Wire(),
		ident.DevicesWire(s.ContactDevices),
		wire.Bytes(s.Commitment),
		ident.UIDWire(s.DialogUID),
	}
}

// WaitingForDecommitment is Bob's state once his seed is sent.
type WaitingForDecommitment struct {
	Contact        ident.Identity
	ContactDetails ident.CoreDetails
	ContactDevices []ident.DeviceUID
	Commitment     []byte
	Seed           crypto.Seed
	DialogUID      uuid.UUID
}

func (WaitingForDecommitment) Kind() protocol.StateKind { return StateWaitingForDecommitment }

func (s WaitingForDecommitment) Payload() wire.List {
	return wire.List{
		s.Contact.Wire(),
		s.ContactDetails.Wire(),
		ident.DevicesWire(s.ContactDevices),
		wire.Bytes(s.Commitment),
		wire.Bytes(s.Seed.Bytes()),
		ident.UIDWire(s.DialogUID),
	}
}

// WaitingForUserSAS holds both seeds while the human compares SAS values.
// Seed is this side's seed, ContactSeed the other side's.
type WaitingForUserSAS struct {
	Contact        ident.Identity
	ContactDetails ident.CoreDetails
	ContactDevices []ident.DeviceUID
	Seed           crypto.Seed
	ContactSeed    crypto.Seed
	DialogUID      uuid.UUID
	BadSASCount    uint64
}

func (WaitingForUserSAS) Kind() protocol.StateKind { return StateWaitingForUserSAS }

func (s WaitingForUserSAS) Payload() wire.List {
	return wire.List{
		s.Contact.Wire(),
		s.ContactDetails.Wire(),
		ident.DevicesWire(s.ContactDevices),
		wire.Bytes(s.Seed.Bytes()),
		wire.Bytes(s.ContactSeed.Bytes()),
		ident.UIDWire(s.DialogUID),
		wire.Uint(s.BadSASCount),
	}
}

// DisplayedSAS is the SAS this side shows its human.
func (s WaitingForUserSAS) DisplayedSAS(digits int) (string, error) {
	return crypto.ComputeSAS(s.Seed, s.ContactSeed, digits)
}

// ExpectedSAS is the SAS the other side shows, which the human must enter.
func (s WaitingForUserSAS) ExpectedSAS(digits int) (string, error) {
	return crypto.ComputeSAS(s.ContactSeed, s.Seed, digits)
}

// ContactIdentityTrusted is reached once this side's SAS check succeeded and
// the contact was stored.
type ContactIdentityTrusted struct {
	Contact        ident.Identity
	ContactDetails ident.CoreDetails
	ContactDevices []ident.DeviceUID
	DialogUID      uuid.UUID
}

func (ContactIdentityTrusted) Kind() protocol.StateKind { return StateContactIdentityTrusted }

func (s ContactIdentityTrusted) Payload() wire.List {
	return wire.List{
		s.Contact.Wire(),
		s.ContactDetails.Wire(),
		ident.DevicesWire(s.ContactDevices),
		ident.UIDWire(s.DialogUID),
	}
}

// MutualTrustConfirmed is the successful end of the protocol.
type MutualTrustConfirmed struct{}

func (MutualTrustConfirmed) Kind() protocol.StateKind { return StateMutualTrustConfirmed }
func (MutualTrustConfirmed) Payload() wire.List       { return nil }

// Cancelled is the failed end of the protocol.
type Cancelled struct{}

func (Cancelled) Kind() protocol.StateKind { return StateCancelled }
func (Cancelled) Payload() wire.List       { return nil }

var stateDecoders = map[protocol.StateKind]protocol.StateDecoder{
	StateInitial:                emptyState(Initial{}),
	StateWaitingForSeed:         decodeWaitingForSeed,
	StateWaitingForConfirmation: decodeWaitingForConfirmation,
	StateWaitingForDecommitment: decodeWaitingForDecommitment,
	StateWaitingForUserSAS:      decodeWaitingForUserSAS,
	StateContactIdentityTrusted: decodeContactIdentityTrusted,
	StateMutualTrustConfirmed:   emptyState(MutualTrustConfirmed{}),
	StateCancelled:              emptyState(Cancelled{}),
}

func emptyState(s protocol.State) protocol.StateDecoder {
	return func(p wire.List) (protocol.State, error) {
		if _, err := wire.ExpectList(p, 0); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// fields decodes a state payload positionally. The first error sticks, so a
// decoder reads every field and checks err once.
type fields struct {
	l   wire.List
	i   int
	err error
}

func newFields(p wire.List, arity int) *fields {
	l, err := wire.ExpectList(p, arity)
	return &fields{l: l, err: err}
}

func (f *fields) next() wire.Value {
	if f.err != nil {
		return nil
	}
	v := f.l[f.i]
	f.i++
	return v
}

func (f *fields) fail(name string, err error) {
	if f.err == nil && err != nil {
		f.err = fmt.Errorf("%s: %w", name, err)
	}
}

func (f *fields) identity(name string) ident.Identity {
	v := f.next()
	if f.err != nil {
		return ""
	}
	id, err := ident.IdentityFromWire(v)
	f.fail(name, err)
	return id
}

func (f *fields) str(name string) string {
	v := f.next()
	if f.err != nil {
		return ""
	}
	s, err := wire.AsString(v)
	f.fail(name, err)
	return s
}

func (f *fields) bytes(name string) []byte {
	v := f.next()
	if f.err != nil {
		return nil
	}
	b, err := wire.AsBytes(v)
	f.fail(name, err)
	return b
}

func (f *fields) uint(name string) uint64 {
	v := f.next()
	if f.err != nil {
		return 0
	}
	n, err := wire.AsUint(v)
	f.fail(name, err)
	return n
}

func (f *fields) seed(name string) crypto.Seed {
	v := f.next()
	if f.err != nil {
		return crypto.Seed{}
	}
	s, err := seedFromWire(v)
	f.fail(name, err)
	return s
}

func (f *fields) uid(name string) uuid.UUID {
	v := f.next()
	if f.err != nil {
		return uuid.Nil
	}
	u, err := ident.UIDFromWire(v)
	f.fail(name, err)
	return u
}

func (f *fields) details(name string) ident.CoreDetails {
	v := f.next()
	if f.err != nil {
		return ident.CoreDetails{}
	}
	d, err := ident.DetailsFromWire(v)
	f.fail(name, err)
	return d
}

func (f *fields) devices(name string) []ident.DeviceUID {
	v := f.next()
	if f.err != nil {
		return nil
	}
	d, err := ident.DevicesFromWire(v)
	f.fail(name, err)
	return d
}

func decodeWaitingForSeed(p wire.List) (protocol.State, error) {
	f := newFields(p, 5)
	s := WaitingForSeed{
		Contact:      f.identity("contact"),
		ContactName:  f.str("contact_name"),
		Decommitment: f.bytes("decommitment"),
		Seed:         f.seed("seed"),
		DialogUID:    f.uid("dialog_uid"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}

func decodeWaitingForConfirmation(p wire.List) (protocol.State, error) {
	f := newFields(p, 5)
	s := WaitingForConfirmation{
		Contact:        f.identity("contact"),
		ContactDetails: f.details("contact_details"),
		ContactDevices: f.devices("contact_devices"),
		Commitment:     f.bytes("commitment"),
		DialogUID:      f.uid("dialog_uid"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}

func decodeWaitingForDecommitment(p wire.List) (protocol.State, error) {
	f := newFields(p, 6)
	s := WaitingForDecommitment{
		Contact:        f.identity("contact"),
		ContactDetails: f.details("contact_details"),
		ContactDevices: f.devices("contact_devices"),
		Commitment:     f.bytes("commitment"),
		Seed:           f.seed("seed"),
		DialogUID:      f.uid("dialog_uid"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}

func decodeWaitingForUserSAS(p wire.List) (protocol.State, error) {
	f := newFields(p, 7)
	s := WaitingForUserSAS{
		Contact:        f.identity("contact"),
		ContactDetails: f.details("contact_details"),
		ContactDevices: f.devices("contact_devices"),
		Seed:           f.seed("seed"),
		ContactSeed:    f.seed("contact_seed"),
		DialogUID:      f.uid("dialog_uid"),
		BadSASCount:    f.uint("bad_sas_count"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}

func decodeContactIdentityTrusted(p wire.List) (protocol.State, error) {
	f := newFields(p, 4)
	s := ContactIdentityTrusted{
		Contact:        f.identity("contact"),
		ContactDetails: f.details("contact_details"),
		ContactDevices: f.devices("contact_devices"),
		DialogUID:      f.uid("dialog_uid"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}
