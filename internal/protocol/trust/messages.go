package trust

import (
	"github.com/roach88/protocore/internal/crypto"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/wire"
)

// Message kinds. The numbering is part of the wire format and has gaps.
const (
	MsgInitial                          protocol.MessageKind = 0
	MsgAliceSendsCommitment             protocol.MessageKind = 1
	MsgAlicePropagatesInvite            protocol.MessageKind = 2
	MsgBobPropagatesCommitment          protocol.MessageKind = 4
	MsgBobDialogInvitationConfirmation  protocol.MessageKind = 5
	MsgBobPropagatesConfirmation        protocol.MessageKind = 6
	MsgBobSendsSeed                     protocol.MessageKind = 8
	MsgAliceSendsDecommitment           protocol.MessageKind = 9
	MsgDialogSasExchange                protocol.MessageKind = 10
	MsgPropagateEnteredSas              protocol.MessageKind = 12
	MsgMutualTrustConfirmation          protocol.MessageKind = 13
	MsgDialogForMutualTrustConfirmation protocol.MessageKind = 14
	MsgDialogInformative                protocol.MessageKind = 15
	MsgBobRejectsInvitation             protocol.MessageKind = 16
)

var messageNames = map[protocol.MessageKind]string{
	MsgInitial:                          "Initial",
	MsgAliceSendsCommitment:             "AliceSendsCommitment",
	MsgAlicePropagatesInvite:            "AlicePropagatesInvite",
	MsgBobPropagatesCommitment:          "BobPropagatesCommitment",
	MsgBobDialogInvitationConfirmation:  "BobDialogInvitationConfirmation",
	MsgBobPropagatesConfirmation:        "BobPropagatesConfirmation",
	MsgBobSendsSeed:                     "BobSendsSeed",
	MsgAliceSendsDecommitment:           "AliceSendsDecommitment",
	MsgDialogSasExchange:                "DialogSasExchange",
	MsgPropagateEnteredSas:              "PropagateEnteredSas",
	MsgMutualTrustConfirmation:          "MutualTrustConfirmation",
	MsgDialogForMutualTrustConfirmation: "DialogForMutualTrustConfirmation",
	MsgDialogInformative:                "DialogInformative",
	MsgBobRejectsInvitation:             "BobRejectsInvitation",
}

// InitialInputs starts the protocol on Alice's device:
//
//	[contact, contact_display_name]
type InitialInputs struct {
	Contact     ident.Identity
	ContactName string
}

func (m InitialInputs) Wire() wire.List {
	return wire.List{m.Contact.Wire(), wire.String(m.ContactName)}
}

func parseInitial(msg *protocol.Message) (InitialInputs, error) {
	l, err := inputs(msg, 2)
	if err != nil {
		return InitialInputs{}, err
	}
	contact, err := ident.IdentityFromWire(l[0])
	if err != nil {
		return InitialInputs{}, malformed(msg, err)
	}
	name, err := wire.AsString(l[1])
	if err != nil {
		return InitialInputs{}, malformed(msg, err)
	}
	return InitialInputs{Contact: contact, ContactName: name}, nil
}

// invite is the commitment Alice sends to Bob, and that Bob forwards to his
// other devices:
//
//	[identity, details, device_uids, commitment]
type invite struct {
	Identity   ident.Identity
	Details    ident.CoreDetails
	Devices    []ident.DeviceUID
	Commitment []byte
}

func (m invite) Wire() wire.List {
	return wire.List{m.Identity.Wire(), m.Details.Wire(), ident.DevicesWire(m.Devices), wire.Bytes(m.Commitment)}
}

func parseInvite(msg *protocol.Message) (invite, error) {
	l, err := inputs(msg, 4)
	if err != nil {
		return invite{}, err
	}
	var m invite
	if m.Identity, err = ident.IdentityFromWire(l[0]); err != nil {
		return invite{}, malformed(msg, err)
	}
	if m.Details, err = ident.DetailsFromWire(l[1]); err != nil {
		return invite{}, malformed(msg, err)
	}
	if m.Devices, err = ident.DevicesFromWire(l[2]); err != nil {
		return invite{}, malformed(msg, err)
	}
	if m.Commitment, err = wire.AsBytes(l[3]); err != nil {
		return invite{}, malformed(msg, err)
	}
	return m, nil
}

// propagatedInvite carries Alice's invite to her other devices:
//
//	[contact, contact_display_name, decommitment, seed]
type propagatedInvite struct {
	Contact      ident.Identity
	ContactName  string
	Decommitment []byte
	Seed         crypto.Seed
}

func (m propagatedInvite) Wire() wire.List {
	return wire.List{m.Contact.Wire(), wire.String(m.ContactName), wire.Bytes(m.Decommitment), wire.Bytes(m.Seed.Bytes())}
}

func parsePropagatedInvite(msg *protocol.Message) (propagatedInvite, error) {
	l, err := inputs(msg, 4)
	if err != nil {
		return propagatedInvite{}, err
	}
	var m propagatedInvite
	if m.Contact, err = ident.IdentityFromWire(l[0]); err != nil {
		return propagatedInvite{}, malformed(msg, err)
	}
	if m.ContactName, err = wire.AsString(l[1]); err != nil {
		return propagatedInvite{}, malformed(msg, err)
	}
	if m.Decommitment, err = wire.AsBytes(l[2]); err != nil {
		return propagatedInvite{}, malformed(msg, err)
	}
	if m.Seed, err = seedFromWire(l[3]); err != nil {
		return propagatedInvite{}, malformed(msg, err)
	}
	return m, nil
}

// ConfirmationResponse is the human's answer to the accept-invite dialog, and
// the decision Bob's device propagates to his other devices:
//
//	[accepted]
func ConfirmationResponse(accepted bool) wire.List {
	return wire.List{wire.Bool(accepted)}
}

func parseConfirmation(msg *protocol.Message) (bool, error) {
	l, err := inputs(msg, 1)
	if err != nil {
		return false, err
	}
	accepted, err := wire.AsBool(l[0])
	if err != nil {
		return false, malformed(msg, err)
	}
	return accepted, nil
}

// seedMessage is Bob's answer to an accepted invite:
//
//	[seed, device_uids, details]
type seedMessage struct {
	Seed    crypto.Seed
	Devices []ident.DeviceUID
	Details ident.CoreDetails
}

func (m seedMessage) Wire() wire.List {
	return wire.List{wire.Bytes(m.Seed.Bytes()), ident.DevicesWire(m.Devices), m.Details.Wire()}
}

func parseSeedMessage(msg *protocol.Message) (seedMessage, error) {
	l, err := inputs(msg, 3)
	if err != nil {
		return seedMessage{}, err
	}
	var m seedMessage
	if m.Seed, err = seedFromWire(l[0]); err != nil {
		return seedMessage{}, malformed(msg, err)
	}
	if m.Devices, err = ident.DevicesFromWire(l[1]); err != nil {
		return seedMessage{}, malformed(msg, err)
	}
	if m.Details, err = ident.DetailsFromWire(l[2]); err != nil {
		return seedMessage{}, malformed(msg, err)
	}
	return m, nil
}

// decommitment opens Alice's commitment:
//
//	[decommitment]
func parseDecommitment(msg *protocol.Message) ([]byte, error) {
	l, err := inputs(msg, 1)
	if err != nil {
		return nil, err
	}
	d, err := wire.AsBytes(l[0])
	if err != nil {
		return nil, malformed(msg, err)
	}
	return d, nil
}

// SASResponse is the SAS the human typed in the SAS-exchange dialog. The same
// layout propagates the entered SAS to the owner's other devices:
//
//	[sas]
func SASResponse(sas string) wire.List {
	return wire.List{wire.String(sas)}
}

func parseSAS(msg *protocol.Message) (string, error) {
	l, err := inputs(msg, 1)
	if err != nil {
		return "", err
	}
	sas, err := wire.AsString(l[0])
	if err != nil {
		return "", malformed(msg, err)
	}
	return crypto.NormalizeSAS(sas), nil
}

func inputs(msg *protocol.Message, arity int) (wire.List, error) {
	l, err := msg.ExpectInputs(arity)
	if err != nil {
		return nil, malformed(msg, err)
	}
	return l, nil
}

func malformed(msg *protocol.Message, err error) error {
	return protocol.MalformedInputs(messageName(msg.Kind), err)
}

func messageName(kind protocol.MessageKind) string {
	if name, ok := messageNames[kind]; ok {
		return name
	}
	return "unknown"
}

func seedFromWire(v wire.Value) (crypto.Seed, error) {
	b, err := wire.AsBytes(v)
	if err != nil {
		return crypto.Seed{}, err
	}
	return crypto.SeedFromBytes(b)
}
