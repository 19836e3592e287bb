package harness

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/engine"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/store"
)

// device is one simulated installation: its own database, engine and screen.
type device struct {
	name     string
	identity ident.Identity
	uid      ident.DeviceUID
	store    *store.Store
	engine   *engine.Engine
	screen   *screen
}

// shownDialog is a dialog on screen with what answering it sends back.
type shownDialog struct {
	ui       channel.UserInterfaceDialog
	instance uuid.UUID
	response protocol.MessageKind
}

// screen keeps the dialogs a device currently shows, keyed by dialog UID.
type screen struct {
	dialogs map[uuid.UUID]shownDialog
	order   []uuid.UUID
	// sas is the last SAS displayed.
	sas string
}

func newScreen() *screen {
	return &screen{dialogs: make(map[uuid.UUID]shownDialog)}
}

func (s *screen) show(d shownDialog) {
	uid := d.ui.DialogUID
	if d.ui.Dialog.Type == channel.DialogDelete {
		delete(s.dialogs, uid)
		return
	}
	if !slices.Contains(s.order, uid) {
		s.order = append(s.order, uid)
	}
	s.dialogs[uid] = d
	if d.ui.Dialog.SASToDisplay != "" {
		s.sas = d.ui.Dialog.SASToDisplay
	}
}

// find returns the oldest dialog of the given type still on screen.
func (s *screen) find(dialogType string) (shownDialog, bool) {
	for _, uid := range s.order {
		d, ok := s.dialogs[uid]
		if ok && d.ui.Dialog.Type.String() == dialogType {
			return d, true
		}
	}
	return shownDialog{}, false
}

// delivery is a message in flight to a device.
type delivery struct {
	to  *device
	msg *protocol.Message
}

// network carries messages between devices in FIFO order. It is driven from
// a single goroutine: engines post into it while the harness drains them.
type network struct {
	devices []*device
	queue   []delivery
}

func (n *network) send(to *device, msg *protocol.Message) {
	n.queue = append(n.queue, delivery{to: to, msg: msg})
}

func (n *network) next() (delivery, bool) {
	if len(n.queue) == 0 {
		return delivery{}, false
	}
	d := n.queue[0]
	n.queue = n.queue[1:]
	return d, true
}

func (n *network) device(name string) *device {
	for _, d := range n.devices {
		if d.name == name {
			return d
		}
	}
	return nil
}

func (n *network) devicesOf(id ident.Identity) []*device {
	var out []*device
	for _, d := range n.devices {
		if d.identity == id {
			out = append(out, d)
		}
	}
	return out
}

// route resolves a channel to its target devices, in declaration order.
func (n *network) route(from *device, kind channel.Kind) []*device {
	var out []*device
	switch c := kind.(type) {
	case channel.Asymmetric:
		for _, d := range n.devicesOf(c.To) {
			if len(c.ViaDevices) == 0 || slices.Contains(c.ViaDevices, d.uid) {
				out = append(out, d)
			}
		}
	case channel.AsymmetricBroadcast:
		out = n.devicesOf(c.To)
	case channel.AnyObliviousWithOwnedDevice:
		for _, d := range n.devicesOf(c.Owner) {
			if d != from {
				return []*device{d}
			}
		}
	case channel.AllConfirmedObliviousWithOtherOwnedDevices:
		for _, d := range n.devicesOf(c.Owner) {
			if d != from {
				out = append(out, d)
			}
		}
	}
	return out
}

// delegate is the channel.Delegate of one device.
type delegate struct {
	net  *network
	from *device
}

func (d delegate) Post(_ context.Context, ob channel.Outbound) (channel.Receipt, error) {
	if ui, ok := ob.Channel.(channel.UserInterfaceDialog); ok {
		d.from.screen.show(shownDialog{
			ui:       ui,
			instance: ob.InstanceUID,
			response: protocol.MessageKind(ob.MessageKind),
		})
		return channel.Receipt{Recipients: 1}, nil
	}

	targets := d.net.route(d.from, ob.Channel)
	if len(targets) == 0 {
		return channel.Receipt{}, fmt.Errorf("%s from %s: %w", ob.Channel.Type(), d.from.name, channel.ErrNoRecipient)
	}
	for _, to := range targets {
		d.net.send(to, &protocol.Message{
			Family:      protocol.FamilyID(ob.Family),
			InstanceUID: ob.InstanceUID,
			Kind:        protocol.MessageKind(ob.MessageKind),
			Routing: protocol.Routing{
				Owner:       to.identity,
				From:        ob.From,
				FromDevices: []ident.DeviceUID{d.from.uid},
				Channel:     ob.Channel.Type().ReceivedAs(),
			},
			Inputs: ob.Inputs,
		})
	}
	return channel.Receipt{Recipients: len(targets)}, nil
}
