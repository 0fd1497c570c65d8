// Package upstreamstub hosts a deterministic in-memory fake of the user and
// task services behind the gateway. It enforces the same bearer check and
// delete invariants as the real services and records every request it sees,
// so proxy and client tests can assert what actually crossed the wire.
package upstreamstub
