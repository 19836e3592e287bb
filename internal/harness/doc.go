// Package harness runs trust-establishment scenarios between simulated
// devices and checks the resulting traces.
//
// Every device gets its own store and engine. An in-memory network carries
// the messages engines post, in FIFO order, and a simulated screen keeps the
// dialogs each device shows. Scripted human responses answer those dialogs
// once the network is quiet, so a run is fully deterministic: the same
// scenario always yields the same trace.
//
// # Scenario Format
//
//	name: happy_path
//	description: "Alice and Bob verify each other's SAS"
//	identities:
//	  - name: alice
//	    first_name: Alice
//	    devices: [alice-phone]
//	  - name: bob
//	    first_name: Bob
//	    devices: [bob-phone]
//	start:
//	  device: alice-phone
//	  contact: bob
//	  contact_name: Bob
//	responses:
//	  - device: bob-phone
//	    dialog: accept_invite
//	    accept: true
//	  - device: alice-phone
//	    dialog: sas_exchange
//	    sas: correct
//	assertions:
//	  - type: final_state
//	    device: alice-phone
//	    state: MutualTrustConfirmed
//
// A sas_exchange response of "correct" types the SAS the contact's devices
// display; any other value is typed as is.
//
// # Assertion Types
//
//   - trace_contains: a step was executed, optionally on one device
//   - trace_order: steps were first executed in the given order
//   - trace_count: a step was executed exactly count times
//   - final_state: a device's instance ended in the given state
//   - contacts: a device trusts exactly the given identities
//
// # Golden Files
//
// RunWithGolden compares the trace and final device states with
// testdata/golden/<name>.golden. Run the tests with -update to regenerate.
package harness
