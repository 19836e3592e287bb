package channel

import (
	"fmt"

	"github.com/roach88/protocore/internal/ident"
)

// DialogType enumerates the dialogs a protocol can surface.
type DialogType int

const (
	DialogInviteSent DialogType = iota + 1
	DialogAcceptInvite
	DialogInvitationAccepted
	DialogSasExchange
	DialogSasConfirmed
	DialogMutualTrustConfirmed
	// DialogDelete clears any dialog previously shown under the same UID.
	DialogDelete
)

var dialogNames = map[DialogType]string{
	DialogInviteSent:           "invite_sent",
	DialogAcceptInvite:         "accept_invite",
	DialogInvitationAccepted:   "invitation_accepted",
	DialogSasExchange:          "sas_exchange",
	DialogSasConfirmed:         "sas_confirmed",
	DialogMutualTrustConfirmed: "mutual_trust_confirmed",
	DialogDelete:               "delete",
}

func (d DialogType) String() string {
	if name, ok := dialogNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dialog(%d)", int(d))
}

// Dialog is the payload presented to the human.
type Dialog struct {
	Type        DialogType
	Contact     ident.Identity
	ContactName string

	// SASToDisplay and BadSASCount are set for DialogSasExchange only.
	SASToDisplay string
	BadSASCount  int
}
