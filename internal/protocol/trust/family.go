// Package trust implements trust establishment with a short authentication
// string (SAS).
//
// Alice commits to a random seed and sends the commitment to Bob. Once Bob's
// human accepts, Bob sends his own seed, derived from his long-term secret
// and the commitment. Alice then opens her commitment. Each side shows
// ComputeSAS(own seed, contact seed) and asks its human to type the value
// shown on the other side, ComputeSAS(contact seed, own seed). Committing
// before seeing Bob's seed keeps Alice from choosing the SAS, and the order
// of the seeds makes an echoed SAS fail the check.
//
// Decisions taken on one device (accept or reject, the entered SAS) are
// propagated to the owner's other devices so they converge without asking
// the human again.
package trust

import (
	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/protocol"
)

// FamilyID identifies the protocol on the wire.
const FamilyID protocol.FamilyID = "trust-establishment-sas"

var (
	local      = []channel.Type{channel.TypeLocal}
	asymmetric = []channel.Type{channel.TypeAsymmetric}
	oblivious  = []channel.Type{channel.TypeObliviousWithOwnedDevice}
)

// Steps returns the dispatch table of the protocol.
func Steps() *protocol.Catalogue {
	return protocol.NewCatalogue(
		// Alice
		protocol.Step{Name: "SendCommitment", From: StateInitial, On: MsgInitial,
			Channels: local, Run: protocol.Typed(sendCommitment)},
		protocol.Step{Name: "StoreDecommitment", From: StateInitial, On: MsgAlicePropagatesInvite,
			Channels: oblivious, Run: protocol.Typed(storeDecommitment)},
		protocol.Step{Name: "ShowSasDialogAndSendDecommitment", From: StateWaitingForSeed, On: MsgBobSendsSeed,
			Channels: asymmetric, Run: protocol.Typed(showSasDialogAndSendDecommitment)},
		protocol.Step{Name: "CancelOnRejection", From: StateWaitingForSeed, On: MsgBobRejectsInvitation,
			Channels: asymmetric, Run: protocol.Typed(cancelOnRejection)},

		// Bob
		protocol.Step{Name: "StoreAndPropagateCommitmentAndAskForConfirmation", From: StateInitial, On: MsgAliceSendsCommitment,
			Channels: asymmetric, Run: protocol.Typed(storeAndPropagateCommitmentAndAskForConfirmation)},
		protocol.Step{Name: "StoreCommitmentAndAskForConfirmation", From: StateInitial, On: MsgBobPropagatesCommitment,
			Channels: oblivious, Run: protocol.Typed(storeCommitmentAndAskForConfirmation)},
		protocol.Step{Name: "SendSeedAndPropagateConfirmation", From: StateWaitingForConfirmation, On: MsgBobDialogInvitationConfirmation,
			Channels: local, Run: protocol.Typed(sendSeedAndPropagateConfirmation)},
		protocol.Step{Name: "ReceiveConfirmationFromOtherDevice", From: StateWaitingForConfirmation, On: MsgBobPropagatesConfirmation,
			Channels: oblivious, Run: protocol.Typed(receiveConfirmationFromOtherDevice)},
		protocol.Step{Name: "ShowSasDialog", From: StateWaitingForDecommitment, On: MsgAliceSendsDecommitment,
			Channels: asymmetric, Run: protocol.Typed(showSasDialog)},

		// Both
		protocol.Step{Name: "CheckSas", From: StateWaitingForUserSAS, On: MsgDialogSasExchange,
			Channels: local, Run: protocol.Typed(checkSas)},
		protocol.Step{Name: "CheckPropagatedSas", From: StateWaitingForUserSAS, On: MsgPropagateEnteredSas,
			Channels: oblivious, Run: protocol.Typed(checkPropagatedSas)},
		protocol.Step{Name: "NotifiedMutualTrustEstablished", From: StateContactIdentityTrusted, On: MsgMutualTrustConfirmation,
			Channels: asymmetric, Run: protocol.Typed(notifiedMutualTrustEstablished)},
	)
}

// Family returns the protocol family, ready to be registered with the engine.
func Family() *protocol.Family {
	return &protocol.Family{
		ID:           FamilyID,
		Initial:      Initial{},
		Cancelled:    Cancelled{},
		Terminal:     []protocol.StateKind{StateMutualTrustConfirmed, StateCancelled},
		Start:        MsgInitial,
		States:       stateDecoders,
		StateNames:   stateNames,
		MessageNames: messageNames,
		Steps:        Steps(),
	}
}
