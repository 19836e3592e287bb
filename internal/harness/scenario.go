package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/protocore/internal/channel"
)

// Scenario is a trust-establishment run between simulated devices: who the
// identities are, who starts, how the humans answer their dialogs, and what
// the run must end with.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Seed makes device randomness reproducible. Each device derives its
	// own stream from it.
	Seed int64 `yaml:"seed,omitempty"`

	// SASDigits overrides the SAS length. Zero keeps the engine default.
	SASDigits int `yaml:"sas_digits,omitempty"`

	Identities []IdentitySpec `yaml:"identities"`
	Start      StartSpec      `yaml:"start"`

	// Responses are applied in order, each once the network is quiet.
	Responses []Response `yaml:"responses,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// IdentitySpec declares an owned identity and its devices. The first device
// listed is the one the protocol is started on when the identity starts it.
type IdentitySpec struct {
	Name      string   `yaml:"name"`
	FirstName string   `yaml:"first_name"`
	LastName  string   `yaml:"last_name,omitempty"`
	Company   string   `yaml:"company,omitempty"`
	Secret    string   `yaml:"secret,omitempty"`
	Devices   []string `yaml:"devices"`
}

// StartSpec begins the protocol on Device, inviting Contact.
type StartSpec struct {
	Device      string `yaml:"device"`
	Contact     string `yaml:"contact"`
	ContactName string `yaml:"contact_name"`
}

// Response is a human's answer to the dialog currently shown on Device.
type Response struct {
	Device string `yaml:"device"`
	// Dialog is the dialog type answered: accept_invite or sas_exchange.
	Dialog string `yaml:"dialog"`
	// Accept answers accept_invite.
	Accept bool `yaml:"accept,omitempty"`
	// SAS answers sas_exchange. The value "correct" types what the
	// contact's device displays.
	SAS string `yaml:"sas,omitempty"`
}

// SASCorrect is the Response.SAS placeholder for the contact's displayed SAS.
const SASCorrect = "correct"

// Assertion validates the trace or the final device state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Device string `yaml:"device,omitempty"`

	// Step names a step (trace_contains, trace_count).
	Step string `yaml:"step,omitempty"`
	// Steps lists steps in expected order (trace_order).
	Steps []string `yaml:"steps,omitempty"`
	Count int      `yaml:"count,omitempty"`

	// State is the expected instance state name (final_state).
	State string `yaml:"state,omitempty"`
	// Contacts are the identities the device must trust (contacts).
	Contacts []string `yaml:"contacts,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertContacts      = "contacts"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Identities) == 0 {
		return errors.New("identities list is required and must be non-empty")
	}
	if s.SASDigits < 0 {
		return fmt.Errorf("sas_digits must be non-negative, got %d", s.SASDigits)
	}

	identities := make(map[string]bool)
	devices := make(map[string]bool)
	for i, id := range s.Identities {
		if id.Name == "" {
			return fmt.Errorf("identities[%d]: name is required", i)
		}
		if identities[id.Name] {
			return fmt.Errorf("identities[%d]: duplicate identity %q", i, id.Name)
		}
		identities[id.Name] = true
		if len(id.Devices) == 0 {
			return fmt.Errorf("identities[%d]: at least one device is required", i)
		}
		for _, d := range id.Devices {
			if devices[d] {
				return fmt.Errorf("identities[%d]: duplicate device %q", i, d)
			}
			devices[d] = true
		}
	}

	if !devices[s.Start.Device] {
		return fmt.Errorf("start: unknown device %q", s.Start.Device)
	}
	if !identities[s.Start.Contact] {
		return fmt.Errorf("start: unknown contact %q", s.Start.Contact)
	}

	for i, r := range s.Responses {
		if !devices[r.Device] {
			return fmt.Errorf("responses[%d]: unknown device %q", i, r.Device)
		}
		switch r.Dialog {
		case channel.DialogAcceptInvite.String():
		case channel.DialogSasExchange.String():
			if r.SAS == "" {
				return fmt.Errorf("responses[%d]: sas is required for %s", i, r.Dialog)
			}
		default:
			return fmt.Errorf("responses[%d]: dialog %q cannot be answered", i, r.Dialog)
		}
	}

	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], devices); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, devices map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Device != "" && !devices[a.Device] {
		return fmt.Errorf("assertions[%d]: unknown device %q", index, a.Device)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Device == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: device and state are required for final_state", index)
		}
	case AssertContacts:
		if a.Device == "" {
			return fmt.Errorf("assertions[%d]: device is required for contacts", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
