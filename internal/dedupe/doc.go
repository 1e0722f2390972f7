// Package dedupe remembers recently accepted client message ids so that a
// client retrying a send after a reconnect gets the original message back
// instead of creating a second copy.
package dedupe
