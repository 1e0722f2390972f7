// Package broker implements the real-time side of support chat.
//
// Dispatch turns a client event from a socket into a conversation operation
// and answers with an Ack. The Broker is also a conversation.Sink: once a
// change commits it fans out to the right sockets.
//
//   - new_unassigned_conversation goes to every agent socket.
//   - conversation_taken goes to every agent except the winner.
//   - admin_assigned goes to the room and to all of the winner's sockets.
//   - new_message and conversation_closed go to the room.
//
// Delivery failures to one socket never affect the others or the caller.
package broker
