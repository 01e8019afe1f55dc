package gosocketio

// BroadcastOptions selects the recipients of a broadcast
type BroadcastOptions struct {
	// Rooms restricts delivery to members of any of these rooms. Empty means
	// every socket of the namespace.
	Rooms []string
	// Except excludes socket IDs and members of rooms with these names.
	Except []string
	// Offset is the recovery offset carried by the packet, if any.
	Offset string
}

// Adapter is the interface for managing rooms and broadcasting
type Adapter interface {
	// Add adds a socket to a room
	Add(socketID, room string)

	// Remove removes a socket from a room
	Remove(socketID, room string)

	// RemoveAll removes a socket from all rooms
	RemoveAll(socketID string)

	// Sockets returns all socket IDs in a room
	Sockets(room string) []string

	// SocketRooms returns all rooms a socket is in
	SocketRooms(socketID string) []string

	// Broadcast sends a packet to the sockets selected by opts
	Broadcast(packet *Packet, opts BroadcastOptions) error

	// Close cleans up the adapter
	Close() error
}
