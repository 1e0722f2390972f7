// Package eventbus exports committed conversation events to NATS JetStream.
//
// The Exporter is a conversation.Sink. It encodes each event as an Envelope
// and enqueues it without blocking; Run publishes from a single goroutine on
// "<prefix>.<kind>", e.g. "support.conversation.assigned". Downstream
// consumers (e-mail, analytics) subscribe to the stream rather than the broker.
//
// Dial connects and creates the stream ("<prefix>.>") if it does not exist.
package eventbus
