package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/protocore/internal/ir"
)

// Snapshot renders a scenario result as canonical JSON, indented for
// review. Digests and errors are left out: the golden file is the trace
// itself and the final device states.
func Snapshot(name string, result *Result) ([]byte, error) {
	devices := ir.Object{}
	for device, s := range result.Devices {
		contacts := make(ir.Array, len(s.Contacts))
		for i, c := range s.Contacts {
			contacts[i] = c
		}
		devices[device] = ir.Object{"state": s.State, "contacts": contacts}
	}

	canonical, err := ir.MarshalCanonical(ir.Object{
		"scenario": name,
		"trace":    traceArray(result.Trace),
		"devices":  devices,
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func traceArray(trace []TraceEvent) ir.Array {
	out := make(ir.Array, len(trace))
	for i, ev := range trace {
		obj := ir.Object{
			"device":  ev.Device,
			"message": ev.Message,
			"channel": ev.Channel,
			"from":    ev.From,
			"to":      ev.To,
			"result":  ev.Result,
		}
		if ev.Step != "" {
			obj["step"] = ev.Step
		}
		out[i] = obj
	}
	return out
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
	return nil
}
