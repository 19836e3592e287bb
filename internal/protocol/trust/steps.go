package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/crypto"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/wire"
)

// errSpoofedSender marks a message whose routing sender is not the identity
// the protocol talks to.
var errSpoofedSender = errors.New("sender does not match contact")

// sendCommitment starts the protocol on Alice's device: commit to a fresh
// seed, tell her other devices, and send the commitment to Bob.
func sendCommitment(ctx context.Context, env *protocol.Env, _ Initial, msg *protocol.Message) (protocol.State, error) {
	in, err := parseInitial(msg)
	if err != nil {
		return nil, err
	}

	seed, err := crypto.NewSeed(env.PRNG)
	if err != nil {
		return nil, err
	}
	randomness, err := crypto.NewRandomness(env.PRNG)
	if err != nil {
		return nil, err
	}
	commitment, decommitment, err := crypto.Commit(env.Owner.Bytes(), seed.Bytes(), randomness)
	if err != nil {
		return nil, fmt.Errorf("commit seed: %w", err)
	}

	if err := propagate(ctx, env, MsgAlicePropagatesInvite, propagatedInvite{
		Contact:      in.Contact,
		ContactName:  in.ContactName,
		Decommitment: decommitment,
		Seed:         seed,
	}.Wire()); err != nil {
		return nil, err
	}

	devices, err := env.Directory.DeviceUIDs(ctx, env.Owner)
	if err != nil {
		return nil, err
	}
	details, err := env.Directory.OwnedDetails(ctx, env.Owner)
	if err != nil {
		return nil, err
	}
	env.Post(channel.AsymmetricBroadcast{To: in.Contact}, MsgAliceSendsCommitment, invite{
		Identity:   env.Owner,
		Details:    details,
		Devices:    devices,
		Commitment: commitment,
	}.Wire())

	dialogUID := env.UIDs.NewUID()
	env.ShowDialog(dialogUID, channel.Dialog{
		Type:        channel.DialogInviteSent,
		Contact:     in.Contact,
		ContactName: in.ContactName,
	}, MsgDialogInformative)

	env.Log.Debug("commitment sent", "contact", in.Contact)
	return WaitingForSeed{
		Contact:      in.Contact,
		ContactName:  in.ContactName,
		Decommitment: decommitment,
		Seed:         seed,
		DialogUID:    dialogUID,
	}, nil
}

// storeDecommitment brings another device of Alice to WaitingForSeed, so any
// of her devices can continue once Bob answers.
func storeDecommitment(_ context.Context, env *protocol.Env, _ Initial, msg *protocol.Message) (protocol.State, error) {
	in, err := parsePropagatedInvite(msg)
	if err != nil {
		return nil, err
	}
	dialogUID := env.UIDs.NewUID()
	env.ShowDialog(dialogUID, channel.Dialog{
		Type:        channel.DialogInviteSent,
		Contact:     in.Contact,
		ContactName: in.ContactName,
	}, MsgDialogInformative)

	return WaitingForSeed{
		Contact:      in.Contact,
		ContactName:  in.ContactName,
		Decommitment: in.Decommitment,
		Seed:         in.Seed,
		DialogUID:    dialogUID,
	}, nil
}

// showSasDialogAndSendDecommitment runs on Alice's devices once Bob accepted:
// reveal the committed seed and show the SAS.
func showSasDialogAndSendDecommitment(_ context.Context, env *protocol.Env, s WaitingForSeed, msg *protocol.Message) (protocol.State, error) {
	if msg.Routing.From != s.Contact {
		return nil, malformed(msg, errSpoofedSender)
	}
	in, err := parseSeedMessage(msg)
	if err != nil {
		return nil, err
	}

	env.Post(channel.Asymmetric{To: s.Contact, ViaDevices: in.Devices}, MsgAliceSendsDecommitment,
		wire.List{wire.Bytes(s.Decommitment)})

	next := WaitingForUserSAS{
		Contact:        s.Contact,
		ContactDetails: in.Details,
		ContactDevices: in.Devices,
		Seed:           s.Seed,
		ContactSeed:    in.Seed,
		DialogUID:      s.DialogUID,
	}
	sas, err := next.DisplayedSAS(env.SASDigits)
	if err != nil {
		env.Log.Error("compute sas failed", "error", err)
		return cancel(env, s.DialogUID), nil
	}
	showSASDialog(env, next, sas)
	return next, nil
}

// cancelOnRejection ends Alice's instance when Bob declined.
func cancelOnRejection(_ context.Context, env *protocol.Env, s WaitingForSeed, msg *protocol.Message) (protocol.State, error) {
	if msg.Routing.From != s.Contact {
		return nil, malformed(msg, errSpoofedSender)
	}
	env.Log.Info("invitation rejected", "contact", s.Contact)
	return cancel(env, s.DialogUID), nil
}

// storeAndPropagateCommitmentAndAskForConfirmation runs on the Bob device
// that received Alice's commitment.
func storeAndPropagateCommitmentAndAskForConfirmation(ctx context.Context, env *protocol.Env, _ Initial, msg *protocol.Message) (protocol.State, error) {
	in, err := parseInvite(msg)
	if err != nil {
		return nil, err
	}
	if msg.Routing.From != in.Identity {
		return nil, malformed(msg, errSpoofedSender)
	}
	return askForConfirmation(ctx, env, in, true)
}

// storeCommitmentAndAskForConfirmation runs on Bob's other devices.
func storeCommitmentAndAskForConfirmation(ctx context.Context, env *protocol.Env, _ Initial, msg *protocol.Message) (protocol.State, error) {
	in, err := parseInvite(msg)
	if err != nil {
		return nil, err
	}
	return askForConfirmation(ctx, env, in, false)
}

func askForConfirmation(ctx context.Context, env *protocol.Env, in invite, propagateInvite bool) (protocol.State, error) {
	fresh, err := env.Ledger.RecordCommitment(ctx, env.Owner, in.Commitment)
	if err != nil {
		return nil, err
	}
	if !fresh {
		env.Log.Warn("commitment replayed", "contact", in.Identity)
		return Cancelled{}, nil
	}

	dialogUID := env.UIDs.NewUID()
	env.ShowDialog(dialogUID, channel.Dialog{
		Type:        channel.DialogAcceptInvite,
		Contact:     in.Identity,
		ContactName: in.Details.DisplayName(),
	}, MsgBobDialogInvitationConfirmation)

	if propagateInvite {
		if err := propagate(ctx, env, MsgBobPropagatesCommitment, in.Wire()); err != nil {
			return nil, err
		}
	}

	return WaitingForConfirmation{
		Contact:        in.Identity,
		ContactDetails: in.Details,
		ContactDevices: in.Devices,
		Commitment:     in.Commitment,
		DialogUID:      dialogUID,
	}, nil
}

// sendSeedAndPropagateConfirmation applies the human's answer on Bob's side.
func sendSeedAndPropagateConfirmation(ctx context.Context, env *protocol.Env, s WaitingForConfirmation, msg *protocol.Message) (protocol.State, error) {
	if msg.Routing.DialogUID != s.DialogUID {
		env.Log.Warn("response to a stale dialog", "dialog_uid", msg.Routing.DialogUID)
		return s, nil
	}
	accepted, err := parseConfirmation(msg)
	if err != nil {
		return nil, err
	}

	if err := propagate(ctx, env, MsgBobPropagatesConfirmation, ConfirmationResponse(accepted)); err != nil {
		return nil, err
	}

	if !accepted {
		env.Post(channel.Asymmetric{To: s.Contact, ViaDevices: s.ContactDevices}, MsgBobRejectsInvitation, wire.List{})
		return cancel(env, s.DialogUID), nil
	}

	next, err := acceptInvitation(ctx, env, s)
	if err != nil {
		return nil, err
	}
	waiting, ok := next.(WaitingForDecommitment)
	if !ok {
		return next, nil
	}

	devices, err := env.Directory.DeviceUIDs(ctx, env.Owner)
	if err != nil {
		return nil, err
	}
	details, err := env.Directory.OwnedDetails(ctx, env.Owner)
	if err != nil {
		return nil, err
	}
	env.Post(channel.Asymmetric{To: s.Contact, ViaDevices: s.ContactDevices}, MsgBobSendsSeed, seedMessage{
		Seed:    waiting.Seed,
		Devices: devices,
		Details: details,
	}.Wire())
	return next, nil
}

// receiveConfirmationFromOtherDevice converges Bob's other devices on the
// answer given on one of them.
func receiveConfirmationFromOtherDevice(ctx context.Context, env *protocol.Env, s WaitingForConfirmation, msg *protocol.Message) (protocol.State, error) {
	accepted, err := parseConfirmation(msg)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return cancel(env, s.DialogUID), nil
	}
	return acceptInvitation(ctx, env, s)
}

// acceptInvitation derives Bob's seed from his long-term secret, diversified
// by the commitment, so every one of his devices derives the same seed.
func acceptInvitation(ctx context.Context, env *protocol.Env, s WaitingForConfirmation) (protocol.State, error) {
	if len(s.Commitment) == 0 {
		env.Log.Error("empty commitment")
		return cancel(env, s.DialogUID), nil
	}
	seed, err := env.Directory.DeriveSeed(ctx, env.Owner, s.Commitment)
	if err != nil {
		return nil, err
	}
	env.ShowDialog(s.DialogUID, channel.Dialog{
		Type:        channel.DialogInvitationAccepted,
		Contact:     s.Contact,
		ContactName: s.ContactDetails.DisplayName(),
	}, MsgDialogInformative)

	return WaitingForDecommitment{
		Contact:        s.Contact,
		ContactDetails: s.ContactDetails,
		ContactDevices: s.ContactDevices,
		Commitment:     s.Commitment,
		Seed:           seed,
		DialogUID:      s.DialogUID,
	}, nil
}

// showSasDialog opens Alice's commitment on Bob's devices and shows the SAS.
func showSasDialog(_ context.Context, env *protocol.Env, s WaitingForDecommitment, msg *protocol.Message) (protocol.State, error) {
	if msg.Routing.From != s.Contact {
		return nil, malformed(msg, errSpoofedSender)
	}
	decommitment, err := parseDecommitment(msg)
	if err != nil {
		return nil, err
	}

	value, err := crypto.Open(s.Commitment, s.Contact.Bytes(), decommitment)
	if err != nil {
		env.Log.Warn("decommitment does not open commitment", "contact", s.Contact, "error", err)
		return cancel(env, s.DialogUID), nil
	}
	contactSeed, err := crypto.SeedFromBytes(value)
	if err != nil {
		env.Log.Warn("committed value is not a seed", "contact", s.Contact, "error", err)
		return cancel(env, s.DialogUID), nil
	}

	next := WaitingForUserSAS{
		Contact:        s.Contact,
		ContactDetails: s.ContactDetails,
		ContactDevices: s.ContactDevices,
		Seed:           s.Seed,
		ContactSeed:    contactSeed,
		DialogUID:      s.DialogUID,
	}
	sas, err := next.DisplayedSAS(env.SASDigits)
	if err != nil {
		env.Log.Error("compute sas failed", "error", err)
		return cancel(env, s.DialogUID), nil
	}
	showSASDialog(env, next, sas)
	return next, nil
}

// checkSas compares the SAS typed by the human with the one the contact's
// device displays. A mismatch re-shows the dialog; there is no retry limit.
func checkSas(ctx context.Context, env *protocol.Env, s WaitingForUserSAS, msg *protocol.Message) (protocol.State, error) {
	if msg.Routing.DialogUID != s.DialogUID {
		env.Log.Warn("response to a stale dialog", "dialog_uid", msg.Routing.DialogUID)
		return s, nil
	}
	entered, err := parseSAS(msg)
	if err != nil {
		return nil, err
	}

	ok, displayed, err := compareSAS(env, s, entered)
	if err != nil {
		env.Log.Error("compute sas failed", "error", err)
		return cancel(env, s.DialogUID), nil
	}
	if !ok {
		s.BadSASCount++
		env.Log.Info("bad sas entered", "contact", s.Contact, "bad_sas_count", s.BadSASCount)
		showSASDialog(env, s, displayed)
		return s, nil
	}

	if err := propagate(ctx, env, MsgPropagateEnteredSas, SASResponse(entered)); err != nil {
		return nil, err
	}
	return addTrust(ctx, env, s, displayed)
}

// checkPropagatedSas applies, on another device of the owner, a SAS the
// human entered elsewhere. Since the human already saw it accepted, a
// mismatch here cannot be retried and cancels this device's instance.
func checkPropagatedSas(ctx context.Context, env *protocol.Env, s WaitingForUserSAS, msg *protocol.Message) (protocol.State, error) {
	entered, err := parseSAS(msg)
	if err != nil {
		return nil, err
	}
	ok, displayed, err := compareSAS(env, s, entered)
	if err != nil || !ok {
		env.Log.Warn("propagated sas rejected", "contact", s.Contact, "error", err)
		return cancel(env, s.DialogUID), nil
	}
	return addTrust(ctx, env, s, displayed)
}

func compareSAS(env *protocol.Env, s WaitingForUserSAS, entered string) (ok bool, displayed string, err error) {
	displayed, err = s.DisplayedSAS(env.SASDigits)
	if err != nil {
		return false, "", err
	}
	expected, err := s.ExpectedSAS(env.SASDigits)
	if err != nil {
		return false, "", err
	}
	return crypto.EqualSAS(expected, entered), displayed, nil
}

// addTrust stores the contact with all its devices, in the transaction that
// advances the protocol, and tells the contact.
func addTrust(ctx context.Context, env *protocol.Env, s WaitingForUserSAS, displayed string) (protocol.State, error) {
	if err := env.Directory.AddContact(ctx, env.Owner, s.Contact, s.ContactDetails, ident.TrustOriginSAS); err != nil {
		return nil, err
	}
	for _, d := range s.ContactDevices {
		if err := env.Directory.AddContactDevice(ctx, env.Owner, s.Contact, d); err != nil {
			return nil, err
		}
	}

	env.ShowDialog(s.DialogUID, channel.Dialog{
		Type:         channel.DialogSasConfirmed,
		Contact:      s.Contact,
		ContactName:  s.ContactDetails.DisplayName(),
		SASToDisplay: displayed,
	}, MsgDialogInformative)
	env.Post(channel.Asymmetric{To: s.Contact, ViaDevices: s.ContactDevices}, MsgMutualTrustConfirmation, wire.List{})

	return ContactIdentityTrusted{
		Contact:        s.Contact,
		ContactDetails: s.ContactDetails,
		ContactDevices: s.ContactDevices,
		DialogUID:      s.DialogUID,
	}, nil
}

// notifiedMutualTrustEstablished ends the protocol once the contact confirmed
// its own SAS check.
func notifiedMutualTrustEstablished(_ context.Context, env *protocol.Env, s ContactIdentityTrusted, msg *protocol.Message) (protocol.State, error) {
	if msg.Routing.From != s.Contact {
		return nil, malformed(msg, errSpoofedSender)
	}
	env.ShowDialog(s.DialogUID, channel.Dialog{
		Type:        channel.DialogMutualTrustConfirmed,
		Contact:     s.Contact,
		ContactName: s.ContactDetails.DisplayName(),
	}, MsgDialogInformative)
	return MutualTrustConfirmed{}, nil
}

func showSASDialog(env *protocol.Env, s WaitingForUserSAS, sas string) {
	env.ShowDialog(s.DialogUID, channel.Dialog{
		Type:         channel.DialogSasExchange,
		Contact:      s.Contact,
		ContactName:  s.ContactDetails.DisplayName(),
		SASToDisplay: sas,
		BadSASCount:  int(s.BadSASCount),
	}, MsgDialogSasExchange)
}

// propagate sends a message to the owner's other devices, if there are any.
func propagate(ctx context.Context, env *protocol.Env, kind protocol.MessageKind, inputs wire.List) error {
	others, err := env.Directory.OtherDeviceUIDs(ctx, env.Owner)
	if err != nil {
		return err
	}
	if len(others) == 0 {
		return nil
	}
	env.Post(channel.AllConfirmedObliviousWithOtherOwnedDevices{Owner: env.Owner}, kind, inputs)
	return nil
}

// cancel clears the dialog shown under dialogUID and ends the instance.
func cancel(env *protocol.Env, dialogUID uuid.UUID) protocol.State {
	env.ShowDialog(dialogUID, channel.Dialog{Type: channel.DialogDelete}, MsgDialogInformative)
	return Cancelled{}
}
