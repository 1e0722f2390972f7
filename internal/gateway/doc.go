// Package gateway runs the support-broker servers.
//
// # Overview
//
// Gateway wires the SQLite store, the conversation service, the connection
// registry and the broker together, then serves:
//
//   - GET /ws: the WebSocket endpoint for candidates and agents
//   - GET /health and /health/ready: liveness and readiness
//   - /api/...: read-only agent API (conversations, history, transcripts,
//     presence, server-sent events)
//   - the standard gRPC health service on server.grpc_addr, when set
//
// # WebSocket Frames
//
// Client events and their acks share one envelope:
//
//	-> {"event":"send_message","id":7,"data":{"content":"hello"}}
//	<- {"event":"new_message","data":{"id":2,"content":"hello",...}}
//	<- {"event":"ack","id":7,"data":{"success":true,"message":{...}}}
//
// Each socket has one reader, which dispatches events sequentially, and one
// writer draining a bounded queue. A socket whose queue fills is closed with
// a policy-violation status; the client reconnects and resumes.
//
// # Event Export
//
// With nats.enabled, every committed event is also queued for JetStream.
// Publishing happens on the exporter goroutine, never on the caller's.
//
// # Lifecycle
//
// Run blocks until its context is cancelled, then shuts down HTTP, gRPC and
// open sockets before closing the store.
package gateway
