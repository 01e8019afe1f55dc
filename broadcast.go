package gosocketio

import "fmt"

// BroadcastOperator provides methods for broadcasting to specific rooms
type BroadcastOperator struct {
	namespace *Namespace
	rooms     []string
	except    []string
}

// To adds rooms to broadcast to
func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	b.rooms = append(b.rooms, rooms...)
	return b
}

// Except excludes specific socket IDs (or rooms) from the broadcast
func (b *BroadcastOperator) Except(socketIDs ...string) *BroadcastOperator {
	b.except = append(b.except, socketIDs...)
	return b
}

// Emit broadcasts an event. Sockets awaiting recovery receive it once they
// reconnect.
func (b *BroadcastOperator) Emit(event string, data ...interface{}) error {
	if reservedEvents[event] {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}

	args := eventArgs(event, data)
	offset := b.namespace.nextOffset()
	if offset != "" {
		args = append(args, offset)
	}

	packet := &Packet{
		Type:      PacketTypeEvent,
		Namespace: b.namespace.name,
		Data:      args,
	}

	return b.namespace.adapter.Broadcast(packet, BroadcastOptions{
		Rooms:  b.rooms,
		Except: b.except,
		Offset: offset,
	})
}
