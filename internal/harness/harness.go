package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/engine"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/ir"
	"github.com/roach88/protocore/internal/protocol"
	"github.com/roach88/protocore/internal/protocol/trust"
	"github.com/roach88/protocore/internal/store"
	"github.com/roach88/protocore/internal/testutil"
	"github.com/roach88/protocore/internal/wire"
)

// maxDeliveries bounds a run so a protocol bug that ping-pongs messages
// fails instead of hanging.
const maxDeliveries = 10_000

// Harness runs scenarios.
type Harness struct {
	dir    string
	logger *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithDir keeps each device database as <dir>/<device>.db instead of in
// memory.
func WithDir(dir string) Option {
	return func(h *Harness) { h.dir = dir }
}

// WithLogger sets the logger handed to every device engine.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// New creates a harness. Engine logs are discarded unless WithLogger is set.
func New(opts ...Option) *Harness {
	h := &Harness{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with default options.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	return New().Run(ctx, scenario)
}

// run is the state of one scenario execution.
type run struct {
	scenario *Scenario
	family   *protocol.Family
	net      *network
	instance uuid.UUID
	result   *Result
}

// Run executes the scenario:
//
//  1. Create every device with its own store and engine.
//  2. Start the protocol on the start device.
//  3. Deliver network messages in FIFO order until the network is quiet.
//  4. Apply the next human response and go back to 3.
//  5. Summarize every device and evaluate the assertions.
//
// The returned error reports a broken setup. Protocol misbehavior is
// reported in the Result.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	r := &run{
		scenario: scenario,
		family:   trust.Family(),
		net:      &network{},
		result:   NewResult(),
	}
	defer r.close()

	if err := h.setup(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to set up devices: %w", err)
	}

	starter := r.net.device(scenario.Start.Device)
	contact := ident.Identity(scenario.Start.Contact)
	uid, err := starter.engine.StartProtocol(ctx, starter.identity, trust.FamilyID, trust.InitialInputs{
		Contact:     contact,
		ContactName: scenario.Start.ContactName,
	}.Wire())
	if err != nil {
		return nil, err
	}
	r.instance = uid
	r.drain(ctx, starter)

	if err := r.settle(ctx); err != nil {
		return nil, err
	}
	for i, resp := range scenario.Responses {
		if err := r.respond(ctx, resp); err != nil {
			r.result.AddError(fmt.Sprintf("responses[%d]: %v", i, err))
			break
		}
		if err := r.settle(ctx); err != nil {
			return nil, err
		}
	}

	if err := r.summarize(ctx); err != nil {
		return nil, err
	}
	digest, err := ir.Digest(ir.DomainTrace, traceArray(r.result.Trace))
	if err != nil {
		return nil, err
	}
	r.result.Digest = digest

	for _, msg := range EvaluateAssertions(r.result, scenario.Assertions) {
		r.result.AddError(msg)
	}
	return r.result, nil
}

func (h *Harness) setup(ctx context.Context, r *run) error {
	for _, spec := range r.scenario.Identities {
		id := ident.Identity(spec.Name)
		secret := spec.Secret
		if secret == "" {
			secret = spec.Name + "-secret"
		}
		details := ident.CoreDetails{FirstName: spec.FirstName, LastName: spec.LastName, Company: spec.Company}

		for _, name := range spec.Devices {
			path := ":memory:"
			if h.dir != "" {
				path = filepath.Join(h.dir, name+".db")
			}
			st, err := store.Open(path)
			if err != nil {
				return fmt.Errorf("device %s: %w", name, err)
			}
			d := &device{name: name, identity: id, uid: DeviceUID(name), store: st, screen: newScreen()}
			r.net.devices = append(r.net.devices, d)

			if err := st.AddOwnedIdentity(ctx, id, []byte(secret), details); err != nil {
				return fmt.Errorf("device %s: %w", name, err)
			}
			for _, other := range spec.Devices {
				if err := st.AddOwnedDevice(ctx, id, DeviceUID(other), other == name); err != nil {
					return fmt.Errorf("device %s: %w", name, err)
				}
			}

			prng := testutil.NewDeterministicReader(fmt.Sprintf("%s/%d/%s", r.scenario.Name, r.scenario.Seed, name))
			opts := []engine.EngineOption{
				engine.WithPRNG(prng),
				engine.WithUIDs(ident.RandomUIDs{Reader: prng}),
				engine.WithLogger(h.logger.With("device", name)),
			}
			if r.scenario.SASDigits > 0 {
				opts = append(opts, engine.WithSASDigits(r.scenario.SASDigits))
			}
			d.engine, err = engine.New(st, delegate{net: r.net, from: d}, []*protocol.Family{r.family}, opts...)
			if err != nil {
				return fmt.Errorf("device %s: %w", name, err)
			}
		}
	}
	return nil
}

// DeviceUID derives the stable UID of a named simulated device.
func DeviceUID(name string) ident.DeviceUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("protocore/device/"+name))
}

// settle delivers messages until the network is quiet.
func (r *run) settle(ctx context.Context) error {
	for n := 0; ; n++ {
		if n == maxDeliveries {
			return fmt.Errorf("network did not settle after %d deliveries", maxDeliveries)
		}
		d, ok := r.net.next()
		if !ok {
			return nil
		}
		if err := d.to.engine.Receive(ctx, d.msg); err != nil {
			return fmt.Errorf("device %s: %w", d.to.name, err)
		}
		r.drain(ctx, d.to)
	}
}

// drain runs a device engine until its queue is empty and traces every
// outcome. Step errors are recorded, not returned.
func (r *run) drain(ctx context.Context, d *device) {
	outcomes, err := d.engine.Drain(ctx)
	for _, out := range outcomes {
		r.result.Trace = append(r.result.Trace, r.event(d, out))
	}
	if err != nil {
		r.result.AddError(fmt.Sprintf("device %s: %v", d.name, err))
	}
}

func (r *run) event(d *device, out engine.Outcome) TraceEvent {
	ev := TraceEvent{
		Device:  d.name,
		Message: r.family.MessageName(out.Message),
		Channel: out.Channel.String(),
		Step:    out.Step,
		From:    r.family.StateName(out.From),
		To:      r.family.StateName(out.To),
	}
	switch {
	case out.Executed:
		ev.Result = "executed"
	case out.Pending:
		ev.Result = "pending"
	case out.Dropped != "":
		ev.Result = "dropped:" + string(out.Dropped)
		ev.To = ev.From
	default:
		ev.Result = "failed"
		ev.To = ev.From
	}
	return ev
}

// respond answers the oldest matching dialog on the response's device.
func (r *run) respond(ctx context.Context, resp Response) error {
	d := r.net.device(resp.Device)
	shown, ok := d.screen.find(resp.Dialog)
	if !ok {
		return fmt.Errorf("device %s shows no %s dialog", d.name, resp.Dialog)
	}

	var inputs wire.List
	switch resp.Dialog {
	case channel.DialogAcceptInvite.String():
		inputs = trust.ConfirmationResponse(resp.Accept)
	case channel.DialogSasExchange.String():
		sas := resp.SAS
		if sas == SASCorrect {
			var err error
			if sas, err = r.contactSAS(shown.ui.Dialog.Contact); err != nil {
				return err
			}
		}
		inputs = trust.SASResponse(sas)
	default:
		return fmt.Errorf("dialog %s cannot be answered", resp.Dialog)
	}

	err := d.engine.Receive(ctx, &protocol.Message{
		Family:      trust.FamilyID,
		InstanceUID: shown.instance,
		Kind:        shown.response,
		Routing: protocol.Routing{
			Owner:     d.identity,
			From:      d.identity,
			Channel:   channel.TypeLocal,
			DialogUID: shown.ui.DialogUID,
		},
		Inputs: inputs,
	})
	if err != nil {
		return err
	}
	r.drain(ctx, d)
	return nil
}

// contactSAS returns the SAS displayed on the contact's devices.
func (r *run) contactSAS(contact ident.Identity) (string, error) {
	for _, d := range r.net.devicesOf(contact) {
		if d.screen.sas != "" {
			return d.screen.sas, nil
		}
	}
	return "", fmt.Errorf("no device of %s displays a SAS", contact)
}

func (r *run) summarize(ctx context.Context) error {
	for _, d := range r.net.devices {
		var summary DeviceSummary
		inst, err := d.store.Load(ctx, d.identity, r.instance)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("device %s: %w", d.name, err)
		default:
			summary.State = r.family.StateName(protocol.StateKind(inst.StateKind))
		}

		contacts, err := d.store.Contacts(ctx, d.identity)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.name, err)
		}
		summary.Contacts = []string{}
		for _, c := range contacts {
			summary.Contacts = append(summary.Contacts, string(c.Identity))
		}
		sort.Strings(summary.Contacts)
		r.result.Devices[d.name] = summary
	}
	return nil
}

func (r *run) close() {
	for _, d := range r.net.devices {
		if d.engine != nil {
			d.engine.Stop()
		}
		d.store.Close()
	}
}
