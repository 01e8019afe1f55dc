package gosocketio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestAdapter(socketIDs ...string) *MemoryAdapter {
	ns := NewServer(nil).Of("/")
	for _, id := range socketIDs {
		ns.sockets[id] = &Socket{id: id}
	}
	return ns.adapter.(*MemoryAdapter)
}

func TestMemoryAdapterRooms(t *testing.T) {
	a := newTestAdapter()

	a.Add("s1", "red")
	a.Add("s1", "blue")
	a.Add("s2", "red")

	assert.ElementsMatch(t, []string{"s1", "s2"}, a.Sockets("red"))
	assert.ElementsMatch(t, []string{"red", "blue"}, a.SocketRooms("s1"))

	a.Remove("s1", "red")
	assert.ElementsMatch(t, []string{"s2"}, a.Sockets("red"))

	a.RemoveAll("s1")
	assert.Empty(t, a.SocketRooms("s1"))
	assert.Empty(t, a.Sockets("blue"))
}

func TestMemoryAdapterTargets(t *testing.T) {
	a := newTestAdapter("s1", "s2", "s3")
	a.Add("s1", "red")
	a.Add("s2", "red")
	a.Add("s3", "blue")

	tests := []struct {
		name string
		opts BroadcastOptions
		want []string
	}{
		{"whole namespace", BroadcastOptions{}, []string{"s1", "s2", "s3"}},
		{"one room", BroadcastOptions{Rooms: []string{"red"}}, []string{"s1", "s2"}},
		{"union of rooms", BroadcastOptions{Rooms: []string{"red", "blue"}}, []string{"s1", "s2", "s3"}},
		{"except socket", BroadcastOptions{Rooms: []string{"red"}, Except: []string{"s1"}}, []string{"s2"}},
		{"except room", BroadcastOptions{Except: []string{"red"}}, []string{"s3"}},
		{"unknown room", BroadcastOptions{Rooms: []string{"green"}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, a.targets(tt.opts))
		})
	}
}

func TestMemoryAdapterClose(t *testing.T) {
	a := newTestAdapter()
	a.Add("s1", "red")

	assert.NoError(t, a.Close())
	assert.Empty(t, a.Sockets("red"))
}
