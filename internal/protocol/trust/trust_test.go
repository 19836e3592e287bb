package trust

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/crypto"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/wire"
)

const (
	alice ident.Identity = "alice-identity"
	bob   ident.Identity = "bob-identity"
	eve   ident.Identity = "eve-identity"
)

var instanceUID = uuid.MustParse("00000000-0000-4000-8000-000000000001")

// fakeDirectory is one device's view of the identity subsystem.
type fakeDirectory struct {
	current  ident.DeviceUID
	devices  []ident.DeviceUID
	details  ident.CoreDetails
	secret   []byte
	contacts map[ident.Identity]ident.CoreDetails
	origins  map[ident.Identity]ident.TrustOrigin
	trusted  map[ident.Identity][]ident.DeviceUID
	failWith error
}

func (d *fakeDirectory) CurrentDeviceUID(context.Context, ident.Identity) (ident.DeviceUID, error) {
	return d.current, d.failWith
}

func (d *fakeDirectory) DeviceUIDs(context.Context, ident.Identity) ([]ident.DeviceUID, error) {
	return d.devices, d.failWith
}

func (d *fakeDirectory) OtherDeviceUIDs(context.Context, ident.Identity) ([]ident.DeviceUID, error) {
	var out []ident.DeviceUID
	for _, u := range d.devices {
		if u != d.current {
			out = append(out, u)
		}
	}
	return out, d.failWith
}

func (d *fakeDirectory) OwnedDetails(context.Context, ident.Identity) (ident.CoreDetails, error) {
	return d.details, d.failWith
}

func (d *fakeDirectory) DeriveSeed(_ context.Context, _ ident.Identity, diversifier []byte) (crypto.Seed, error) {
	if d.failWith != nil {
		return crypto.Seed{}, d.failWith
	}
	return crypto.DeriveSeed(d.secret, diversifier)
}

func (d *fakeDirectory) AddContact(_ context.Context, _, contact ident.Identity, details ident.CoreDetails, origin ident.TrustOrigin) error {
	d.contacts[contact] = details
	d.origins[contact] = origin
	return nil
}

func (d *fakeDirectory) AddContactDevice(_ context.Context, _, contact ident.Identity, device ident.DeviceUID) error {
	d.trusted[contact] = ident.UnionDevices(d.trusted[contact], device)
	return nil
}

type fakeLedger map[string]bool

func (l fakeLedger) RecordCommitment(_ context.Context, _ ident.Identity, commitment []byte) (bool, error) {
	if l[string(commitment)] {
		return false, nil
	}
	l[string(commitment)] = true
	return true, nil
}

// device runs trust steps the way the engine does, without persistence.
type device struct {
	owner  ident.Identity
	dir    *fakeDirectory
	ledger fakeLedger
	prng   io.Reader
	state  protocol.State
}

func newDevice(owner ident.Identity, name ident.CoreDetails, secret string, current ident.DeviceUID, devices []ident.DeviceUID, seed int64) *device {
	return &device{
		owner: owner,
		dir: &fakeDirectory{
			current:  current,
			devices:  devices,
			details:  name,
			secret:   []byte(secret),
			contacts: map[ident.Identity]ident.CoreDetails{},
			origins:  map[ident.Identity]ident.TrustOrigin{},
			trusted:  map[ident.Identity][]ident.DeviceUID{},
		},
		ledger: fakeLedger{},
		prng:   rand.New(rand.NewSource(seed)),
		state:  Initial{},
	}
}

var (
	aliceDevice1 = uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000001")
	aliceDevice2 = uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000002")
	bobDevice1   = uuid.MustParse("bbbbbbbb-0000-4000-8000-000000000001")
	bobDevice2   = uuid.MustParse("bbbbbbbb-0000-4000-8000-000000000002")

	aliceDetails = ident.CoreDetails{FirstName: "Alice", LastName: "Liddell"}
	bobDetails   = ident.CoreDetails{FirstName: "Bob", Company: "Builders"}
)

func newAlice(devices ...ident.DeviceUID) *device {
	if len(devices) == 0 {
		devices = []ident.DeviceUID{aliceDevice1}
	}
	return newDevice(alice, aliceDetails, "alice-secret", devices[0], devices, 1)
}

func newBob(devices ...ident.DeviceUID) *device {
	if len(devices) == 0 {
		devices = []ident.DeviceUID{bobDevice1}
	}
	return newDevice(bob, bobDetails, "bob-secret", devices[0], devices, 2)
}

// receive runs the single eligible step for msg, stores the resulting state
// and returns the outbox. The state is round-tripped through the codec the
// way the store would persist it.
func (d *device) receive(t *testing.T, msg *protocol.Message) ([]channel.Outbound, error) {
	t.Helper()
	fam := Family()
	eligible := protocol.Eligible(fam.Steps.Candidates(d.state.Kind(), msg.Kind), msg.Routing.Channel)
	require.Len(t, eligible, 1, "state %s, message %s", fam.StateName(d.state.Kind()), fam.MessageName(msg.Kind))

	env := &protocol.Env{
		Owner:       d.owner,
		InstanceUID: instanceUID,
		Family:      FamilyID,
		Directory:   d.dir,
		Ledger:      d.ledger,
		PRNG:        d.prng,
		UIDs:        ident.RandomUIDs{Reader: d.prng},
		SASDigits:   4,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	next, err := eligible[0].Run(context.Background(), env, d.state, msg)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = fam.Cancelled
	}

	data, err := protocol.EncodeState(next)
	require.NoError(t, err)
	decoded, err := fam.DecodeState(data)
	require.NoError(t, err)
	require.Equal(t, next, decoded, "state codec round trip")

	d.state = next
	return env.Outbox(), nil
}

// redeliver hands msg to the device the way the engine does for a message
// that may no longer apply: when no step is eligible it is dropped.
func (d *device) redeliver(t *testing.T, msg *protocol.Message) []channel.Outbound {
	t.Helper()
	fam := Family()
	if len(protocol.Eligible(fam.Steps.Candidates(d.state.Kind(), msg.Kind), msg.Routing.Channel)) == 0 {
		return nil
	}
	return d.mustReceive(t, msg)
}

func (d *device) mustReceive(t *testing.T, msg *protocol.Message) []channel.Outbound {
	t.Helper()
	out, err := d.receive(t, msg)
	require.NoError(t, err)
	return out
}

// start is the local message that begins the protocol on Alice's device.
func start(contact ident.Identity, name string) *protocol.Message {
	return &protocol.Message{
		Family:      FamilyID,
		InstanceUID: instanceUID,
		Kind:        MsgInitial,
		Routing:     protocol.Routing{Owner: alice, From: alice, Channel: channel.TypeLocal},
		Inputs:      InitialInputs{Contact: contact, ContactName: name}.Wire(),
	}
}

// deliver turns an outbound message into what the receiving device sees.
func deliver(o channel.Outbound, to ident.Identity) *protocol.Message {
	return &protocol.Message{
		Family:      FamilyID,
		InstanceUID: o.Envelope.InstanceUID,
		Kind:        protocol.MessageKind(o.Envelope.MessageKind),
		Routing: protocol.Routing{
			Owner:   to,
			From:    o.From,
			Channel: o.Channel.Type().ReceivedAs(),
		},
		Inputs: o.Envelope.Inputs,
	}
}

// answer is the human's response to a dialog.
func answer(d *device, dialog channel.UserInterfaceDialog, kind protocol.MessageKind, inputs wire.List) *protocol.Message {
	return &protocol.Message{
		Family:      FamilyID,
		InstanceUID: instanceUID,
		Kind:        kind,
		Routing: protocol.Routing{
			Owner:     d.owner,
			From:      d.owner,
			Channel:   channel.TypeLocal,
			DialogUID: dialog.DialogUID,
		},
		Inputs: inputs,
	}
}

func findMessage(t *testing.T, out []channel.Outbound, kind protocol.MessageKind) channel.Outbound {
	t.Helper()
	for _, o := range out {
		if _, isDialog := o.Channel.(channel.UserInterfaceDialog); isDialog {
			continue
		}
		if protocol.MessageKind(o.Envelope.MessageKind) == kind {
			return o
		}
	}
	t.Fatalf("no %s message in outbox", messageName(kind))
	return channel.Outbound{}
}

func hasMessage(out []channel.Outbound, kind protocol.MessageKind) bool {
	for _, o := range out {
		if _, isDialog := o.Channel.(channel.UserInterfaceDialog); !isDialog && protocol.MessageKind(o.Envelope.MessageKind) == kind {
			return true
		}
	}
	return false
}

func lastDialog(t *testing.T, out []channel.Outbound) channel.UserInterfaceDialog {
	t.Helper()
	for i := len(out) - 1; i >= 0; i-- {
		if d, ok := out[i].Channel.(channel.UserInterfaceDialog); ok {
			return d
		}
	}
	t.Fatal("no dialog in outbox")
	return channel.UserInterfaceDialog{}
}

// exchange runs both sides up to the SAS dialogs and returns them.
func exchange(t *testing.T, a, b *device) (aliceSAS, bobSAS channel.UserInterfaceDialog) {
	t.Helper()
	out := a.mustReceive(t, start(bob, "Bob"))
	commitment := findMessage(t, out, MsgAliceSendsCommitment)

	out = b.mustReceive(t, deliver(commitment, bob))
	accept := lastDialog(t, out)

	out = b.mustReceive(t, answer(b, accept, MsgBobDialogInvitationConfirmation, ConfirmationResponse(true)))
	seed := findMessage(t, out, MsgBobSendsSeed)

	out = a.mustReceive(t, deliver(seed, alice))
	aliceSAS = lastDialog(t, out)
	decommitment := findMessage(t, out, MsgAliceSendsDecommitment)

	out = b.mustReceive(t, deliver(decommitment, bob))
	bobSAS = lastDialog(t, out)
	return aliceSAS, bobSAS
}

func TestFamily_Validates(t *testing.T) {
	require.NoError(t, Family().Validate())
}

func TestTrust_HappyPath(t *testing.T) {
	a, b := newAlice(), newBob()

	out := a.mustReceive(t, start(bob, "Bob"))
	require.IsType(t, WaitingForSeed{}, a.state)
	assert.False(t, hasMessage(out, MsgAlicePropagatesInvite), "no other device to propagate to")
	commitment := findMessage(t, out, MsgAliceSendsCommitment)
	assert.Equal(t, channel.AsymmetricBroadcast{To: bob}, commitment.Channel)
	assert.Equal(t, channel.DialogInviteSent, lastDialog(t, out).Dialog.Type)

	out = b.mustReceive(t, deliver(commitment, bob))
	require.IsType(t, WaitingForConfirmation{}, b.state)
	accept := lastDialog(t, out)
	assert.Equal(t, channel.DialogAcceptInvite, accept.Dialog.Type)
	assert.Equal(t, "Alice Liddell", accept.Dialog.ContactName)

	out = b.mustReceive(t, answer(b, accept, MsgBobDialogInvitationConfirmation, ConfirmationResponse(true)))
	require.IsType(t, WaitingForDecommitment{}, b.state)
	seed := findMessage(t, out, MsgBobSendsSeed)
	assert.Equal(t, channel.Asymmetric{To: alice, ViaDevices: []ident.DeviceUID{aliceDevice1}}, seed.Channel)

	out = a.mustReceive(t, deliver(seed, alice))
	require.IsType(t, WaitingForUserSAS{}, a.state)
	aliceSAS := lastDialog(t, out)
	assert.Equal(t, channel.DialogSasExchange, aliceSAS.Dialog.Type)
	assert.Len(t, aliceSAS.Dialog.SASToDisplay, 4)

	out = b.mustReceive(t, deliver(findMessage(t, out, MsgAliceSendsDecommitment), bob))
	require.IsType(t, WaitingForUserSAS{}, b.state)
	bobSAS := lastDialog(t, out)

	// Each human types the value displayed on the other side.
	out = a.mustReceive(t, answer(a, aliceSAS, MsgDialogSasExchange, SASResponse(bobSAS.Dialog.SASToDisplay)))
	require.IsType(t, ContactIdentityTrusted{}, a.state)
	assert.Equal(t, bobDetails, a.dir.contacts[bob])
	assert.Equal(t, ident.TrustOriginSAS, a.dir.origins[bob])
	assert.Equal(t, []ident.DeviceUID{bobDevice1}, a.dir.trusted[bob])
	aliceConfirms := findMessage(t, out, MsgMutualTrustConfirmation)

	out = b.mustReceive(t, answer(b, bobSAS, MsgDialogSasExchange, SASResponse(aliceSAS.Dialog.SASToDisplay)))
	require.IsType(t, ContactIdentityTrusted{}, b.state)
	assert.Equal(t, aliceDetails, b.dir.contacts[alice])
	bobConfirms := findMessage(t, out, MsgMutualTrustConfirmation)

	out = a.mustReceive(t, deliver(bobConfirms, alice))
	assert.Equal(t, MutualTrustConfirmed{}, a.state)
	assert.Equal(t, channel.DialogMutualTrustConfirmed, lastDialog(t, out).Dialog.Type)

	b.mustReceive(t, deliver(aliceConfirms, bob))
	assert.Equal(t, MutualTrustConfirmed{}, b.state)
}

func TestTrust_SASIsAsymmetric(t *testing.T) {
	a, b := newAlice(), newBob()
	aliceSAS, bobSAS := exchange(t, a, b)

	as := a.state.(WaitingForUserSAS)
	bs := b.state.(WaitingForUserSAS)
	assert.Equal(t, as.Seed, bs.ContactSeed)
	assert.Equal(t, bs.Seed, as.ContactSeed)

	expected, err := as.ExpectedSAS(4)
	require.NoError(t, err)
	assert.Equal(t, bobSAS.Dialog.SASToDisplay, expected)
	assert.Equal(t, aliceSAS.DialogUID, as.DialogUID)
}

func TestTrust_BadSASRetriesWithoutLimit(t *testing.T) {
	a, b := newAlice(), newBob()
	aliceSAS, bobSAS := exchange(t, a, b)

	before := a.state.(WaitingForUserSAS)

	// Echoing back one's own SAS is the classic mistake and must fail.
	for i := 1; i <= 5; i++ {
		out := a.mustReceive(t, answer(a, aliceSAS, MsgDialogSasExchange, SASResponse(aliceSAS.Dialog.SASToDisplay)))
		want := before
		want.BadSASCount = uint64(i)
		assert.Equal(t, want, a.state, "only the bad SAS count changes")

		again := lastDialog(t, out)
		assert.Equal(t, aliceSAS.DialogUID, again.DialogUID)
		assert.Equal(t, i, again.Dialog.BadSASCount)
		assert.Equal(t, aliceSAS.Dialog.SASToDisplay, again.Dialog.SASToDisplay)
		assert.False(t, hasMessage(out, MsgMutualTrustConfirmation))
	}
	assert.Empty(t, a.dir.contacts)
	assert.Empty(t, a.dir.trusted)

	a.mustReceive(t, answer(a, aliceSAS, MsgDialogSasExchange, SASResponse(" "+bobSAS.Dialog.SASToDisplay+"\n")))
	assert.IsType(t, ContactIdentityTrusted{}, a.state, "entered SAS is normalized")
}

func TestTrust_StaleDialogResponseIsIgnored(t *testing.T) {
	a, b := newAlice(), newBob()
	aliceSAS, bobSAS := exchange(t, a, b)
	before := a.state

	stale := aliceSAS
	stale.DialogUID = uuid.MustParse("00000000-0000-4000-8000-0000000000ff")
	out := a.mustReceive(t, answer(a, stale, MsgDialogSasExchange, SASResponse(bobSAS.Dialog.SASToDisplay)))
	assert.Empty(t, out)
	assert.Equal(t, before, a.state)
}

func TestTrust_Rejection(t *testing.T) {
	a, b := newAlice(), newBob()

	out := a.mustReceive(t, start(bob, "Bob"))
	out = b.mustReceive(t, deliver(findMessage(t, out, MsgAliceSendsCommitment), bob))
	accept := lastDialog(t, out)

	out = b.mustReceive(t, answer(b, accept, MsgBobDialogInvitationConfirmation, ConfirmationResponse(false)))
	assert.Equal(t, Cancelled{}, b.state)
	assert.False(t, hasMessage(out, MsgBobSendsSeed))
	deleted := lastDialog(t, out)
	assert.Equal(t, channel.DialogDelete, deleted.Dialog.Type)
	assert.Equal(t, accept.DialogUID, deleted.DialogUID)

	out = a.mustReceive(t, deliver(findMessage(t, out, MsgBobRejectsInvitation), alice))
	assert.Equal(t, Cancelled{}, a.state)
	assert.Equal(t, channel.DialogDelete, lastDialog(t, out).Dialog.Type)

	for _, d := range []*device{a, b} {
		assert.Empty(t, d.dir.contacts, "%s has no contact", d.owner)
		assert.Empty(t, d.dir.trusted, "%s has no trusted device", d.owner)
	}
}

func TestTrust_ReplayedCommitmentCancels(t *testing.T) {
	a, b := newAlice(), newBob()
	out := a.mustReceive(t, start(bob, "Bob"))
	commitment := findMessage(t, out, MsgAliceSendsCommitment)

	b.mustReceive(t, deliver(commitment, bob))
	require.IsType(t, WaitingForConfirmation{}, b.state)

	// A second instance on Bob's side receiving the same commitment.
	b.state = Initial{}
	out = b.mustReceive(t, deliver(commitment, bob))
	assert.Equal(t, Cancelled{}, b.state)
	assert.Empty(t, out, "a replay shows no dialog")
}

func TestTrust_SpoofedSenderIsMalformed(t *testing.T) {
	a, b := newAlice(), newBob()
	out := a.mustReceive(t, start(bob, "Bob"))
	commitment := deliver(findMessage(t, out, MsgAliceSendsCommitment), bob)
	commitment.Routing.From = eve

	_, err := b.receive(t, commitment)
	require.ErrorIs(t, err, protocol.ErrMalformedInputs)
	assert.Equal(t, Initial{}, b.state)

	// Same check on Alice's side once she waits for Bob's seed.
	out = b.mustReceive(t, deliver(findMessage(t, out, MsgAliceSendsCommitment), bob))
	out = b.mustReceive(t, answer(b, lastDialog(t, out), MsgBobDialogInvitationConfirmation, ConfirmationResponse(true)))
	seed := deliver(findMessage(t, out, MsgBobSendsSeed), alice)
	seed.Routing.From = eve
	_, err = a.receive(t, seed)
	require.ErrorIs(t, err, protocol.ErrMalformedInputs)
	assert.IsType(t, WaitingForSeed{}, a.state)
}

func TestTrust_MalformedInputs(t *testing.T) {
	a := newAlice()
	msg := start(bob, "Bob")
	msg.Inputs = wire.List{bob.Wire()}

	_, err := a.receive(t, msg)
	require.ErrorIs(t, err, protocol.ErrMalformedInputs)
	assert.Contains(t, err.Error(), "Initial")
}

func TestTrust_TamperedDecommitmentCancels(t *testing.T) {
	a, b := newAlice(), newBob()
	out := a.mustReceive(t, start(bob, "Bob"))
	out = b.mustReceive(t, deliver(findMessage(t, out, MsgAliceSendsCommitment), bob))
	out = b.mustReceive(t, answer(b, lastDialog(t, out), MsgBobDialogInvitationConfirmation, ConfirmationResponse(true)))
	out = a.mustReceive(t, deliver(findMessage(t, out, MsgBobSendsSeed), alice))

	decommitment := deliver(findMessage(t, out, MsgAliceSendsDecommitment), bob)
	raw, err := wire.AsBytes(decommitment.Inputs[0])
	require.NoError(t, err)
	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0x01
	decommitment.Inputs = wire.List{wire.Bytes(tampered)}

	out = b.mustReceive(t, decommitment)
	assert.Equal(t, Cancelled{}, b.state)
	assert.Equal(t, channel.DialogDelete, lastDialog(t, out).Dialog.Type)
}

func TestTrust_DirectoryFailureAborts(t *testing.T) {
	a := newAlice()
	a.dir.failWith = errors.New("keychain locked")

	_, err := a.receive(t, start(bob, "Bob"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, protocol.ErrMalformedInputs)
	assert.Equal(t, Initial{}, a.state, "no state change on infrastructure errors")
}

func TestTrust_MultiDeviceConvergence(t *testing.T) {
	a1 := newAlice(aliceDevice1, aliceDevice2)
	a2 := newDevice(alice, aliceDetails, "alice-secret", aliceDevice2, []ident.DeviceUID{aliceDevice1, aliceDevice2}, 3)
	b1 := newBob(bobDevice1, bobDevice2)
	b2 := newDevice(bob, bobDetails, "bob-secret", bobDevice2, []ident.DeviceUID{bobDevice1, bobDevice2}, 4)

	// Alice's invite reaches her second device.
	out := a1.mustReceive(t, start(bob, "Bob"))
	invite := findMessage(t, out, MsgAlicePropagatesInvite)
	assert.Equal(t, channel.AllConfirmedObliviousWithOtherOwnedDevices{Owner: alice}, invite.Channel)
	a2.mustReceive(t, deliver(invite, alice))
	require.IsType(t, WaitingForSeed{}, a2.state)
	assert.Equal(t, a1.state.(WaitingForSeed).Seed, a2.state.(WaitingForSeed).Seed)

	commitment := findMessage(t, out, MsgAliceSendsCommitment)
	assert.Equal(t, []ident.DeviceUID{aliceDevice1, aliceDevice2}, mustInvite(t, commitment).Devices)

	// Bob's first device forwards the commitment, his human accepts there.
	out = b1.mustReceive(t, deliver(commitment, bob))
	b2.mustReceive(t, deliver(findMessage(t, out, MsgBobPropagatesCommitment), bob))
	require.IsType(t, WaitingForConfirmation{}, b2.state)

	out = b1.mustReceive(t, answer(b1, lastDialog(t, out), MsgBobDialogInvitationConfirmation, ConfirmationResponse(true)))
	b2.mustReceive(t, deliver(findMessage(t, out, MsgBobPropagatesConfirmation), bob))
	require.IsType(t, WaitingForDecommitment{}, b2.state)
	assert.Equal(t, b1.state.(WaitingForDecommitment).Seed, b2.state.(WaitingForDecommitment).Seed)

	// Both Alice devices get Bob's seed; both Bob devices get the decommitment.
	seed := findMessage(t, out, MsgBobSendsSeed)
	out = a1.mustReceive(t, deliver(seed, alice))
	aliceSAS := lastDialog(t, out)
	decommitment := findMessage(t, out, MsgAliceSendsDecommitment)
	out2 := a2.mustReceive(t, deliver(seed, alice))
	assert.Equal(t, aliceSAS.Dialog.SASToDisplay, lastDialog(t, out2).Dialog.SASToDisplay)

	out = b1.mustReceive(t, deliver(decommitment, bob))
	bobSAS := lastDialog(t, out)
	b2.mustReceive(t, deliver(decommitment, bob))

	// The SAS typed on one device settles the other.
	out = a1.mustReceive(t, answer(a1, aliceSAS, MsgDialogSasExchange, SASResponse(bobSAS.Dialog.SASToDisplay)))
	require.IsType(t, ContactIdentityTrusted{}, a1.state)
	a2.mustReceive(t, deliver(findMessage(t, out, MsgPropagateEnteredSas), alice))
	require.IsType(t, ContactIdentityTrusted{}, a2.state)
	assert.Equal(t, []ident.DeviceUID{bobDevice1, bobDevice2}, a2.dir.trusted[bob])

	out = b2.mustReceive(t, answer(b2, lastDialog(t, out2), MsgDialogSasExchange, SASResponse(aliceSAS.Dialog.SASToDisplay)))
	require.IsType(t, WaitingForUserSAS{}, b2.state, "dialog UID of another device is stale here")
	assert.Empty(t, out)
}

func TestTrust_RedeliveryAfterConfirmationChangesNothing(t *testing.T) {
	a1 := newAlice(aliceDevice1, aliceDevice2)
	a2 := newDevice(alice, aliceDetails, "alice-secret", aliceDevice2, []ident.DeviceUID{aliceDevice1, aliceDevice2}, 3)
	b := newBob()

	out := a1.mustReceive(t, start(bob, "Bob"))
	a2.mustReceive(t, deliver(findMessage(t, out, MsgAlicePropagatesInvite), alice))
	out = b.mustReceive(t, deliver(findMessage(t, out, MsgAliceSendsCommitment), bob))
	out = b.mustReceive(t, answer(b, lastDialog(t, out), MsgBobDialogInvitationConfirmation, ConfirmationResponse(true)))
	seed := findMessage(t, out, MsgBobSendsSeed)

	out = a1.mustReceive(t, deliver(seed, alice))
	aliceSAS := lastDialog(t, out)
	a2.mustReceive(t, deliver(seed, alice))
	out = b.mustReceive(t, deliver(findMessage(t, out, MsgAliceSendsDecommitment), bob))
	bobSAS := lastDialog(t, out)

	out = a1.mustReceive(t, answer(a1, aliceSAS, MsgDialogSasExchange, SASResponse(bobSAS.Dialog.SASToDisplay)))
	propagated := deliver(findMessage(t, out, MsgPropagateEnteredSas), alice)
	a2.mustReceive(t, propagated)
	require.IsType(t, ContactIdentityTrusted{}, a2.state)

	// A duplicate before the confirmation arrives is dropped too.
	assert.Empty(t, a2.redeliver(t, propagated))
	require.IsType(t, ContactIdentityTrusted{}, a2.state)

	out = b.mustReceive(t, answer(b, bobSAS, MsgDialogSasExchange, SASResponse(aliceSAS.Dialog.SASToDisplay)))
	confirmation := deliver(findMessage(t, out, MsgMutualTrustConfirmation), alice)
	for _, d := range []*device{a1, a2} {
		d.mustReceive(t, confirmation)
		require.Equal(t, MutualTrustConfirmed{}, d.state)
	}

	for _, d := range []*device{a1, a2} {
		contacts := maps.Clone(d.dir.contacts)
		origins := maps.Clone(d.dir.origins)
		trusted := maps.Clone(d.dir.trusted)

		for _, msg := range []*protocol.Message{propagated, confirmation, propagated, confirmation} {
			assert.Empty(t, d.redeliver(t, msg))
		}
		assert.Equal(t, MutualTrustConfirmed{}, d.state)
		assert.Equal(t, contacts, d.dir.contacts)
		assert.Equal(t, origins, d.dir.origins)
		assert.Equal(t, trusted, d.dir.trusted)
		assert.Equal(t, []ident.DeviceUID{bobDevice1}, d.dir.trusted[bob])
	}
}

func TestTrust_PropagatedBadSASCancels(t *testing.T) {
	a1 := newAlice(aliceDevice1, aliceDevice2)
	b := newBob()
	exchange(t, a1, b)

	bad := &protocol.Message{
		Family:      FamilyID,
		InstanceUID: instanceUID,
		Kind:        MsgPropagateEnteredSas,
		Routing:     protocol.Routing{Owner: alice, From: alice, Channel: channel.TypeObliviousWithOwnedDevice},
		Inputs:      SASResponse("not-a-sas"),
	}
	out := a1.mustReceive(t, bad)
	assert.Equal(t, Cancelled{}, a1.state)
	assert.Equal(t, channel.DialogDelete, lastDialog(t, out).Dialog.Type)
}

func TestStateDecoders_RejectWrongArity(t *testing.T) {
	fam := Family()
	for kind, name := range stateNames {
		if kind == StateInitial || kind == StateMutualTrustConfirmed || kind == StateCancelled {
			continue
		}
		t.Run(name, func(t *testing.T) {
			data, err := wire.Encode(wire.List{wire.Uint(uint64(kind)), wire.List{wire.String("x")}})
			require.NoError(t, err)
			_, err = fam.DecodeState(data)
			assert.Error(t, err)
		})
	}
}

func mustInvite(t *testing.T, o channel.Outbound) invite {
	t.Helper()
	m, err := parseInvite(&protocol.Message{Kind: MsgAliceSendsCommitment, Inputs: o.Envelope.Inputs})
	require.NoError(t, err)
	return m
}
