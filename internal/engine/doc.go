// Package engine implements the protocol stepping engine.
//
// The engine receives protocol messages addressed to protocol instances,
// finds the one step of the instance's family that accepts the message in
// the instance's current state and on the channel it arrived on, runs it,
// and persists the resulting state.
//
// ARCHITECTURE:
//
// Serial Work Queue:
// Messages are processed one at a time. Handle holds a single mutex across
// load, execute and persist, so steps never commit concurrently.
//
// Message Processing Flow:
//  1. Receive() journals the message in the store and enqueues it
//  2. Run() or Drain() dequeues messages one at a time
//  3. Handle() selects and executes a step inside one store transaction
//  4. After commit, outbound messages are delivered: local ones are
//     received back into the queue, others go to the channel delegate
//  5. Journaled messages of the same instance that arrived too early are
//     queued again, since the new state may accept them
//
// Self-feeding flows (a step posting a message its own engine consumes)
// therefore iterate through the queue instead of recursing, and survive a
// restart through the journal and ResumeAllPending.
//
// Drops:
// A message no eligible step accepts is dropped with a reason
// (channel_mismatch, ambiguous_steps, decode_failed, terminal_instance,
// unknown_family). A journaled message with no step for the current state is
// kept as pending instead. Building with the debug tag turns catalogue
// errors into panics.
package engine
