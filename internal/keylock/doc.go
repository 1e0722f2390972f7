// Package keylock provides per-key mutual exclusion with bounded waiting.
//
// Each key (a conversation id, a candidate id) gets its own serialization
// point. Operations on different keys never contend. Waiters give up when
// their context ends, so a stuck holder cannot block callers forever.
package keylock
