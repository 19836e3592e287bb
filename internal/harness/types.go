package harness

// TraceEvent is one engine outcome observed during a run.
type TraceEvent struct {
	Device  string `json:"device"`
	Message string `json:"message"`
	Channel string `json:"channel"`
	// Step is empty when no step ran.
	Step string `json:"step,omitempty"`
	From string `json:"from"`
	To   string `json:"to"`
	// Result is "executed", "pending", "failed" or "dropped:<reason>".
	Result string `json:"result"`
}

// DeviceSummary is a device's state at the end of a run.
type DeviceSummary struct {
	// State is the instance state name, empty if the device never saw the
	// instance.
	State string `json:"state"`
	// Contacts are the trusted identities, sorted.
	Contacts []string `json:"contacts"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion holds and the run had no errors.
	Pass  bool         `json:"pass"`
	Trace []TraceEvent `json:"trace"`
	// Devices maps device names to their final state.
	Devices map[string]DeviceSummary `json:"devices"`
	// Digest identifies the trace; equal traces have equal digests.
	Digest string   `json:"digest"`
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Devices: make(map[string]DeviceSummary),
		Errors:  []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
