package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/protocore/internal/channel"
	"github.com/roach88/protocore/internal/wire"
)

const (
	kindStart StateKind = 0
	kindCount StateKind = 1
	kindDone  StateKind = 2

	msgTick MessageKind = 0
)

type startState struct{}

func (startState) Kind() StateKind    { return kindStart }
func (startState) Payload() wire.List { return nil }

type countState struct{ n uint64 }

func (countState) Kind() StateKind      { return kindCount }
func (s countState) Payload() wire.List { return wire.List{wire.Uint(s.n)} }

type doneState struct{}

func (doneState) Kind() StateKind    { return kindDone }
func (doneState) Payload() wire.List { return nil }

func testFamily(steps ...Step) *Family {
	return &Family{
		ID:        "counter",
		Initial:   startState{},
		Cancelled: doneState{},
		Terminal:  []StateKind{kindDone},
		States: map[StateKind]StateDecoder{
			kindStart: func(wire.List) (State, error) { return startState{}, nil },
			kindCount: func(p wire.List) (State, error) {
				l, err := wire.ExpectList(p, 1)
				if err != nil {
					return nil, err
				}
				n, err := wire.AsUint(l[0])
				return countState{n: n}, err
			},
			kindDone: func(wire.List) (State, error) { return doneState{}, nil },
		},
		StateNames:   map[StateKind]string{kindStart: "Start", kindCount: "Count", kindDone: "Done"},
		MessageNames: map[MessageKind]string{msgTick: "Tick"},
		Steps:        NewCatalogue(steps...),
	}
}

func noop(context.Context, *Env, State, *Message) (State, error) { return nil, nil }

func TestCatalogue_CandidatesAndEligible(t *testing.T) {
	local := Step{Name: "local", From: kindStart, On: msgTick, Channels: []channel.Type{channel.TypeLocal}, Run: noop}
	oblivious := Step{Name: "oblivious", From: kindStart, On: msgTick, Channels: []channel.Type{channel.TypeObliviousWithOwnedDevice}, Run: noop}
	other := Step{Name: "other", From: kindCount, On: msgTick, Channels: []channel.Type{channel.TypeLocal}, Run: noop}

	c := NewCatalogue(local, oblivious, other)

	candidates := c.Candidates(kindStart, msgTick)
	require.Len(t, candidates, 2)
	assert.Equal(t, "local", candidates[0].Name, "declaration order is preserved")

	eligible := Eligible(candidates, channel.TypeObliviousWithOwnedDevice)
	require.Len(t, eligible, 1)
	assert.Equal(t, "oblivious", eligible[0].Name)

	assert.Empty(t, Eligible(candidates, channel.TypeAsymmetric))
	assert.Empty(t, c.Candidates(kindDone, msgTick))
	assert.Len(t, c.Steps(), 3)
}

func TestTyped_RejectsWrongStateType(t *testing.T) {
	run := Typed(func(_ context.Context, _ *Env, s countState, _ *Message) (State, error) {
		return countState{n: s.n + 1}, nil
	})

	next, err := run(context.Background(), &Env{}, countState{n: 1}, &Message{})
	require.NoError(t, err)
	assert.Equal(t, countState{n: 2}, next)

	_, err = run(context.Background(), &Env{}, startState{}, &Message{})
	assert.ErrorIs(t, err, ErrStateType)
}

func TestStateCodec_RoundTrip(t *testing.T) {
	f := testFamily()

	data, err := EncodeState(countState{n: 41})
	require.NoError(t, err)

	s, err := f.DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, countState{n: 41}, s)

	empty, err := EncodeState(startState{})
	require.NoError(t, err)
	s, err = f.DecodeState(empty)
	require.NoError(t, err)
	assert.Equal(t, startState{}, s)
}

func TestDecodeState_FailsClosed(t *testing.T) {
	f := testFamily()

	unknown, err := wire.Encode(wire.List{wire.Uint(9), wire.List{}})
	require.NoError(t, err)
	_, err = f.DecodeState(unknown)
	assert.ErrorIs(t, err, ErrUnknownState)

	badArity, err := wire.Encode(wire.List{wire.Uint(uint64(kindCount)), wire.List{}})
	require.NoError(t, err)
	_, err = f.DecodeState(badArity)
	assert.ErrorIs(t, err, wire.ErrArity)

	_, err = f.DecodeState([]byte{0xff})
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestFamily_Validate(t *testing.T) {
	ok := Step{Name: "tick", From: kindStart, On: msgTick, Channels: []channel.Type{channel.TypeLocal}, Run: noop}
	require.NoError(t, testFamily(ok).Validate())

	noChannel := ok
	noChannel.Channels = nil
	assert.Error(t, testFamily(noChannel).Validate())

	fromTerminal := ok
	fromTerminal.From = kindDone
	assert.Error(t, testFamily(fromTerminal).Validate())

	unknownMsg := ok
	unknownMsg.On = 7
	assert.Error(t, testFamily(unknownMsg).Validate())

	f := testFamily(ok)
	f.Terminal = nil
	assert.Error(t, f.Validate())
}

func TestFamily_Names(t *testing.T) {
	f := testFamily()
	assert.Equal(t, "Count", f.StateName(kindCount))
	assert.Equal(t, "state(42)", f.StateName(42))
	assert.Equal(t, "Tick", f.MessageName(msgTick))
	assert.Equal(t, "message(3)", f.MessageName(3))
}

func TestEnv_PostAndShowDialog(t *testing.T) {
	env := &Env{Owner: "\xaa", Family: "counter"}
	env.Post(channel.AsymmetricBroadcast{To: "\xbb"}, msgTick, wire.List{wire.Uint(1)})
	env.ShowDialog([16]byte{1}, channel.Dialog{Type: channel.DialogInviteSent}, 15)

	out := env.Outbox()
	require.Len(t, out, 2)
	assert.Equal(t, channel.TypeAsymmetricBroadcast, out[0].Channel.Type())
	assert.Equal(t, "counter", out[0].Family)
	assert.Equal(t, "\xaa", string(out[0].From))

	dialog, ok := out[1].Channel.(channel.UserInterfaceDialog)
	require.True(t, ok)
	assert.Equal(t, channel.DialogInviteSent, dialog.Dialog.Type)
	assert.Equal(t, uint64(15), out[1].MessageKind)
}
