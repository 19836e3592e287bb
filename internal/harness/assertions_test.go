package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Device: "a", Message: "Initial", Channel: "local", Step: "SendCommitment", From: "Initial", To: "WaitingForSeed", Result: "executed"},
		{Device: "b", Message: "MutualTrustConfirmation", Channel: "asymmetric", From: "WaitingForUserSAS", To: "WaitingForUserSAS", Result: "pending"},
		{Device: "a", Message: "DialogSasExchange", Channel: "local", Step: "CheckSas", From: "WaitingForUserSAS", To: "WaitingForUserSAS", Result: "executed"},
		{Device: "b", Message: "DialogSasExchange", Channel: "local", Step: "CheckSas", From: "WaitingForUserSAS", To: "ContactIdentityTrusted", Result: "executed"},
		{Device: "a", Message: "DialogSasExchange", Channel: "local", Step: "CheckSas", From: "WaitingForUserSAS", To: "ContactIdentityTrusted", Result: "failed"},
	}
	r.Devices["a"] = DeviceSummary{State: "WaitingForUserSAS", Contacts: []string{}}
	r.Devices["b"] = DeviceSummary{State: "ContactIdentityTrusted", Contacts: []string{"alice", "carol"}}
	return r
}

func TestEvaluateAssertions(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantFail  string
	}{
		{"contains", Assertion{Type: AssertTraceContains, Step: "CheckSas"}, ""},
		{"contains on device", Assertion{Type: AssertTraceContains, Step: "SendCommitment", Device: "b"}, "step SendCommitment executed on b"},
		{"order", Assertion{Type: AssertTraceOrder, Steps: []string{"SendCommitment", "CheckSas"}}, ""},
		{"order reversed", Assertion{Type: AssertTraceOrder, Steps: []string{"CheckSas", "SendCommitment"}}, "should be before"},
		{"order missing", Assertion{Type: AssertTraceOrder, Steps: []string{"SendCommitment", "ShowSasDialog"}}, "missing step: ShowSasDialog"},
		{"count ignores failed and pending", Assertion{Type: AssertTraceCount, Step: "CheckSas", Device: "a", Count: 1}, ""},
		{"count mismatch", Assertion{Type: AssertTraceCount, Step: "CheckSas", Count: 3}, "2 executions"},
		{"final state", Assertion{Type: AssertFinalState, Device: "b", State: "ContactIdentityTrusted"}, ""},
		{"final state mismatch", Assertion{Type: AssertFinalState, Device: "a", State: "Cancelled"}, `state "WaitingForUserSAS"`},
		{"contacts any order", Assertion{Type: AssertContacts, Device: "b", Contacts: []string{"carol", "alice"}}, ""},
		{"no contacts", Assertion{Type: AssertContacts, Device: "a"}, ""},
		{"contacts mismatch", Assertion{Type: AssertContacts, Device: "b", Contacts: []string{"alice"}}, "trusts [alice carol]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			if tt.wantFail == "" {
				assert.Empty(t, failures)
				return
			}
			require.Len(t, failures, 1)
			assert.Contains(t, failures[0], tt.wantFail)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "step X executed",
		Actual:   "not found in trace",
		Trace:    sampleResult().Trace[:2],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "[1] a Initial/local SendCommitment Initial->WaitingForSeed executed")
	assert.Contains(t, msg, "[2] b MutualTrustConfirmation/asymmetric - WaitingForUserSAS->WaitingForUserSAS pending")
}
