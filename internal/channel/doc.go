// Package channel defines the closed set of channel kinds a protocol step can
// post on, the dialog payloads shown to the human, and the Delegate contract
// the stepping engine uses to hand encoded messages to the outside world.
package channel
