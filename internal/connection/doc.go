// Package connection implements the client side of the daemon's TCP
// protocol.
//
// It owns:
//   - a single logical connection and its lifecycle (connect, handshake,
//     timeout, retry-once, close)
//   - one read loop per connection that classifies every incoming line
//   - the pending-request table correlating commands to replies by id
//
// Classified broadcast events are handed to an EventSink (the router);
// replies resolve their pending entry exactly once.
package connection
