// Package crypto provides the cryptographic primitives of the trust
// establishment handshake: a hash commitment scheme, SAS seeds (random or
// derived from a long-term secret) and the asymmetric SAS digest.
package crypto
