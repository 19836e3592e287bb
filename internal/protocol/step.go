package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/protocore/internal/channel"
)

// ErrStateType is returned when a step receives a state of the wrong Go type,
// which means the catalogue maps a state kind to the wrong step.
var ErrStateType = errors.New("protocol: state type does not match step")

// ErrMalformedInputs marks a message whose inputs do not decode as the step
// expects. The engine drops such messages instead of failing.
var ErrMalformedInputs = errors.New("protocol: malformed message inputs")

// MalformedInputs wraps a decode error so that it matches ErrMalformedInputs.
func MalformedInputs(kind string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformedInputs, kind, err)
}

// StepFunc executes a step. Returning a nil state cancels the instance.
// Returning an error aborts the enclosing transaction; protocol-level
// failures must instead return the family's cancelled state.
type StepFunc func(ctx context.Context, env *Env, state State, msg *Message) (State, error)

// Step is one entry of a family's dispatch table.
type Step struct {
	Name string
	// From and On are the (state kind, message kind) pair the step consumes.
	From StateKind
	On   MessageKind
	// Channels lists the receipt channels the step accepts.
	Channels []channel.Type
	Run      StepFunc
}

type stepKey struct {
	state StateKind
	msg   MessageKind
}

// Catalogue is the static dispatch table (state kind, message kind) -> steps.
// It is built once and never mutated.
type Catalogue struct {
	byKey map[stepKey][]Step
	steps []Step
}

// NewCatalogue indexes steps in declaration order.
func NewCatalogue(steps ...Step) *Catalogue {
	c := &Catalogue{
		byKey: make(map[stepKey][]Step, len(steps)),
		steps: make([]Step, len(steps)),
	}
	copy(c.steps, steps)
	for _, s := range c.steps {
		k := stepKey{state: s.From, msg: s.On}
		c.byKey[k] = append(c.byKey[k], s)
	}
	return c
}

// Candidates returns every step declared for (state, msg), in declaration order.
func (c *Catalogue) Candidates(state StateKind, msg MessageKind) []Step {
	return c.byKey[stepKey{state: state, msg: msg}]
}

// Steps returns all steps in declaration order.
func (c *Catalogue) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// Eligible filters candidates by the channel a message was received on.
func Eligible(candidates []Step, received channel.Type) []Step {
	var out []Step
	for _, s := range candidates {
		if received.Accepts(s.Channels) {
			out = append(out, s)
		}
	}
	return out
}

// Typed adapts a step body written against a concrete state type.
func Typed[S State](run func(ctx context.Context, env *Env, state S, msg *Message) (State, error)) StepFunc {
	return func(ctx context.Context, env *Env, state State, msg *Message) (State, error) {
		s, ok := state.(S)
		if !ok {
			var want S
			return nil, fmt.Errorf("%w: want %T, got %T", ErrStateType, want, state)
		}
		return run(ctx, env, s, msg)
	}
}
