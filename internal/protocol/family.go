package protocol

import (
	"errors"
	"fmt"

	"github.com/roach88/protocore/internal/wire"
)

// ErrUnknownState is returned when persisted bytes name a state the family
// does not declare.
var ErrUnknownState = errors.New("protocol: unknown state kind")

// State is a tagged protocol state. The payload shape is fully determined by
// Kind, and Payload must round-trip through the family's decoder.
type State interface {
	Kind() StateKind
	Payload() wire.List
}

// StateDecoder rebuilds a state from its payload.
type StateDecoder func(payload wire.List) (State, error)

// Family describes one protocol: its states, messages and step catalogue.
type Family struct {
	ID FamilyID

	// Initial is the distinguished state of an instance with nothing persisted.
	Initial State
	// Cancelled is the terminal state persisted when a step returns nil.
	Cancelled State
	// Terminal lists the state kinds that end an instance.
	Terminal []StateKind
	// Start is the message kind that creates an instance from Initial.
	Start MessageKind

	States       map[StateKind]StateDecoder
	StateNames   map[StateKind]string
	MessageNames map[MessageKind]string

	Steps *Catalogue
}

// Validate checks the family is complete enough to be run by the engine.
func (f *Family) Validate() error {
	if f.ID == "" {
		return errors.New("protocol: family without id")
	}
	if f.Initial == nil || f.Cancelled == nil {
		return fmt.Errorf("protocol: family %s: initial and cancelled states are required", f.ID)
	}
	if f.Steps == nil {
		return fmt.Errorf("protocol: family %s: no step catalogue", f.ID)
	}
	if !f.IsTerminal(f.Cancelled.Kind()) {
		return fmt.Errorf("protocol: family %s: cancelled state is not terminal", f.ID)
	}
	for _, s := range f.Steps.Steps() {
		if _, ok := f.States[s.From]; !ok {
			return fmt.Errorf("protocol: family %s: step %s starts from undeclared state %d", f.ID, s.Name, s.From)
		}
		if _, ok := f.MessageNames[s.On]; !ok {
			return fmt.Errorf("protocol: family %s: step %s consumes undeclared message %d", f.ID, s.Name, s.On)
		}
		if len(s.Channels) == 0 {
			return fmt.Errorf("protocol: family %s: step %s declares no channel", f.ID, s.Name)
		}
		if f.IsTerminal(s.From) {
			return fmt.Errorf("protocol: family %s: step %s starts from terminal state", f.ID, s.Name)
		}
	}
	return nil
}

// IsTerminal reports whether kind ends an instance.
func (f *Family) IsTerminal(kind StateKind) bool {
	for _, k := range f.Terminal {
		if k == kind {
			return true
		}
	}
	return false
}

// EncodeState serializes a state as [kind, payload].
func EncodeState(s State) ([]byte, error) {
	payload := s.Payload()
	if payload == nil {
		payload = wire.List{}
	}
	data, err := wire.Encode(wire.List{wire.Uint(s.Kind()), payload})
	if err != nil {
		return nil, fmt.Errorf("encode state %d: %w", s.Kind(), err)
	}
	return data, nil
}

// DecodeState parses bytes produced by EncodeState.
func (f *Family) DecodeState(data []byte) (State, error) {
	l, err := wire.DecodeList(data, 2)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	kind, err := wire.AsUint(l[0])
	if err != nil {
		return nil, fmt.Errorf("decode state kind: %w", err)
	}
	payload, err := wire.AsList(l[1])
	if err != nil {
		return nil, fmt.Errorf("decode state payload: %w", err)
	}
	dec, ok := f.States[StateKind(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %d in family %s", ErrUnknownState, kind, f.ID)
	}
	s, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode state %s: %w", f.StateName(StateKind(kind)), err)
	}
	return s, nil
}

// StateName returns the declared name of a state kind.
func (f *Family) StateName(kind StateKind) string {
	if name, ok := f.StateNames[kind]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", kind)
}

// MessageName returns the declared name of a message kind.
func (f *Family) MessageName(kind MessageKind) string {
	if name, ok := f.MessageNames[kind]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", kind)
}
