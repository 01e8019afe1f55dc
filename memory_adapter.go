package gosocketio

import (
	"sync"
)

// MemoryAdapter is an in-memory implementation of the Adapter interface
type MemoryAdapter struct {
	rooms       map[string]map[string]bool // room -> socketIDs
	socketRooms map[string]map[string]bool // socketID -> rooms
	mu          sync.RWMutex
	namespace   *Namespace
}

// NewMemoryAdapter creates a new in-memory adapter
func NewMemoryAdapter(namespace *Namespace) *MemoryAdapter {
	return &MemoryAdapter{
		rooms:       make(map[string]map[string]bool),
		socketRooms: make(map[string]map[string]bool),
		namespace:   namespace,
	}
}

// Add adds a socket to a room
func (a *MemoryAdapter) Add(socketID, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rooms[room] == nil {
		a.rooms[room] = make(map[string]bool)
	}
	a.rooms[room][socketID] = true

	if a.socketRooms[socketID] == nil {
		a.socketRooms[socketID] = make(map[string]bool)
	}
	a.socketRooms[socketID][room] = true
}

// Remove removes a socket from a room
func (a *MemoryAdapter) Remove(socketID, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.removeLocked(socketID, room)
}

// RemoveAll removes a socket from all rooms
func (a *MemoryAdapter) RemoveAll(socketID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for room := range a.socketRooms[socketID] {
		a.removeLocked(socketID, room)
	}
	delete(a.socketRooms, socketID)
}

func (a *MemoryAdapter) removeLocked(socketID, room string) {
	if a.rooms[room] != nil {
		delete(a.rooms[room], socketID)
		if len(a.rooms[room]) == 0 {
			delete(a.rooms, room)
		}
	}

	if a.socketRooms[socketID] != nil {
		delete(a.socketRooms[socketID], room)
		if len(a.socketRooms[socketID]) == 0 {
			delete(a.socketRooms, socketID)
		}
	}
}

// Sockets returns all socket IDs in a room
func (a *MemoryAdapter) Sockets(room string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sockets := a.rooms[room]
	result := make([]string, 0, len(sockets))
	for socketID := range sockets {
		result = append(result, socketID)
	}
	return result
}

// SocketRooms returns all rooms a socket is in
func (a *MemoryAdapter) SocketRooms(socketID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rooms := a.socketRooms[socketID]
	result := make([]string, 0, len(rooms))
	for room := range rooms {
		result = append(result, room)
	}
	return result
}

// Broadcast sends a packet to the sockets selected by opts. Recipients are
// snapshotted first so sockets leaving mid-broadcast do not affect iteration.
func (a *MemoryAdapter) Broadcast(packet *Packet, opts BroadcastOptions) error {
	encoded, err := encodePacket(packet, opts.Offset)
	if err != nil {
		return err
	}

	for _, socketID := range a.targets(opts) {
		socket, ok := a.namespace.GetSocket(socketID)
		if !ok {
			continue
		}
		if err := socket.deliver(encoded); err != nil {
			socket.reportError(err)
		}
	}

	return nil
}

func (a *MemoryAdapter) targets(opts BroadcastOptions) []string {
	a.mu.RLock()
	excluded := make(map[string]bool)
	for _, name := range opts.Except {
		excluded[name] = true
		for socketID := range a.rooms[name] {
			excluded[socketID] = true
		}
	}

	targets := make(map[string]bool)
	for _, room := range opts.Rooms {
		for socketID := range a.rooms[room] {
			if !excluded[socketID] {
				targets[socketID] = true
			}
		}
	}
	a.mu.RUnlock()

	if len(opts.Rooms) == 0 {
		for _, socketID := range a.namespace.socketIDs() {
			if !excluded[socketID] {
				targets[socketID] = true
			}
		}
	}

	result := make([]string, 0, len(targets))
	for socketID := range targets {
		result = append(result, socketID)
	}
	return result
}

// Close cleans up the adapter
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rooms = make(map[string]map[string]bool)
	a.socketRooms = make(map[string]map[string]bool)

	return nil
}
