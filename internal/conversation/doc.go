// Package conversation owns the lifecycle of support conversations.
//
// # State machine
//
// A conversation moves UNASSIGNED -> ASSIGNED -> CLOSED, or straight from
// UNASSIGNED to CLOSED. CLOSED is terminal. Status never moves backwards.
//
// # Serialization
//
// Every mutation of a conversation (append, claim, close) runs while holding
// that conversation's keylock entry, so message sequence numbers and the
// assignment transition are totally ordered per conversation. Lock waits are
// bounded by Options.LockTimeout and fail with ErrTimeout. Creation is
// serialized per candidate so a candidate never gets two open conversations.
//
// # Claims
//
// Claim is the only way into ASSIGNED. The check happens under the lock and
// the store repeats it as a conditional update, so two claimants can never
// both win. Losers receive an *AssignedError naming the holder.
//
// # Events
//
// Each committed change is passed to the configured Sink before the lock is
// released. Sinks enqueue and return; the broker, the EventBroadcaster and the
// NATS exporter all consume this stream.
package conversation
