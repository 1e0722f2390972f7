// Package registry tracks live broker connections.
//
// Each socket is bound to an Identity and a Peer used for delivery. Sockets
// join conversation rooms; a room is the set of sockets that receive that
// conversation's messages. The registry keeps three indexes (socket, room,
// user) under one RWMutex and hands out sorted snapshots for broadcasts.
//
// Registry state is ephemeral and never persisted. Unbinding a socket removes
// its room memberships and nothing else.
package registry
