// Package protocol holds the generic protocol abstractions driven by the
// stepping engine: messages with their routing information, tagged states,
// and the static dispatch table mapping (state kind, message kind) to steps.
//
// A concrete protocol is a Family. Steps receive their collaborators through
// an Env rather than through a shared manager object: the identity
// directory, the commitment ledger, a PRNG and a UID generator.
package protocol
