package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails. It carries the trace
// so a failure can be read without rerunning the scenario.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			step := ev.Step
			if step == "" {
				step = "-"
			}
			fmt.Fprintf(&buf, "  [%d] %s %s/%s %s %s->%s %s\n",
				i+1, ev.Device, ev.Message, ev.Channel, step, ev.From, ev.To, ev.Result)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages, empty when all hold.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result, a)
		case AssertContacts:
			err = assertContacts(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// executed reports whether ev is an execution of step, on device when one
// is given.
func executed(ev TraceEvent, step, device string) bool {
	return ev.Result == "executed" && ev.Step == step && (device == "" || ev.Device == device)
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if executed(ev, a.Step, a.Device) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s executed%s", a.Step, onDevice(a.Device)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first execution of each step comes after
// the first execution of the previous one. Other events may intervene.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		for _, step := range a.Steps {
			if positions[step] == 0 && executed(ev, step, a.Device) {
				positions[step] = i + 1
			}
		}
	}

	for _, step := range a.Steps {
		if positions[step] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps executed%s: %v", onDevice(a.Device), a.Steps),
				Actual:   fmt.Sprintf("missing step: %s", step),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Steps); i++ {
		prev, curr := a.Steps[i-1], a.Steps[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", a.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if executed(ev, a.Step, a.Device) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d executions of %s%s", a.Count, a.Step, onDevice(a.Device)),
			Actual:   fmt.Sprintf("%d executions", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalState(result *Result, a Assertion) error {
	got := result.Devices[a.Device].State
	if got != a.State {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s in state %s", a.Device, a.State),
			Actual:   fmt.Sprintf("state %q", got),
		}
	}
	return nil
}

func assertContacts(result *Result, a Assertion) error {
	want := slices.Clone(a.Contacts)
	sort.Strings(want)
	got := result.Devices[a.Device].Contacts
	if !slices.Equal(want, got) && !(len(want) == 0 && len(got) == 0) {
		return &AssertionError{
			Type:     AssertContacts,
			Expected: fmt.Sprintf("%s trusts %v", a.Device, want),
			Actual:   fmt.Sprintf("trusts %v", got),
		}
	}
	return nil
}

func onDevice(device string) string {
	if device == "" {
		return ""
	}
	return " on " + device
}
