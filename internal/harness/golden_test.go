package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_CanonicalAndIndented(t *testing.T) {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Device: "b", Message: "M", Channel: "local", From: "S", To: "S", Result: "pending"},
	}
	r.Devices["b"] = DeviceSummary{State: "S", Contacts: []string{}}
	r.Digest = "ignored"

	got, err := Snapshot("tiny", r)
	require.NoError(t, err)

	want := strings.Join([]string{
		`{`,
		`  "devices": {`,
		`    "b": {`,
		`      "contacts": [],`,
		`      "state": "S"`,
		`    }`,
		`  },`,
		`  "scenario": "tiny",`,
		`  "trace": [`,
		`    {`,
		`      "channel": "local",`,
		`      "device": "b",`,
		`      "from": "S",`,
		`      "message": "M",`,
		`      "result": "pending",`,
		`      "to": "S"`,
		`    }`,
		`  ]`,
		`}`,
		``,
	}, "\n")
	assert.Equal(t, want, string(got))
}

func TestSnapshot_StableAcrossMapOrder(t *testing.T) {
	r := sampleResult()
	first, err := Snapshot("x", r)
	require.NoError(t, err)
	for range 10 {
		again, err := Snapshot("x", r)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
