package gosocketio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Middleware runs before a socket is admitted into a namespace. Returning an
// error rejects the connection; use *ConnectError to attach data for the client.
type Middleware func(socket *Socket) error

// Namespace represents a Socket.IO namespace
type Namespace struct {
	name             string
	server           *Server
	adapter          Adapter
	sockets          map[string]*Socket
	mu               sync.RWMutex
	log              zerolog.Logger
	recoveryDisabled atomic.Bool

	handlersMu  sync.RWMutex
	middlewares []Middleware
	onConnect   []func(*Socket)
}

// NewNamespace creates a new namespace
func NewNamespace(name string, server *Server) *Namespace {
	ns := &Namespace{
		name:    name,
		server:  server,
		sockets: make(map[string]*Socket),
		log:     server.log.With().Str("nsp", name).Logger(),
	}

	ns.adapter = NewMemoryAdapter(ns)

	return ns
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// Use appends a middleware to the admission chain
func (ns *Namespace) Use(middleware Middleware) {
	ns.handlersMu.Lock()
	ns.middlewares = append(ns.middlewares, middleware)
	ns.handlersMu.Unlock()
}

// OnConnect registers a connection handler for this namespace. Handlers run
// in registration order, for fresh and recovered sockets alike.
func (ns *Namespace) OnConnect(handler func(*Socket)) {
	ns.handlersMu.Lock()
	ns.onConnect = append(ns.onConnect, handler)
	ns.handlersMu.Unlock()
}

// SetRecovery turns connection state recovery on or off for this namespace.
// It has no effect when the server was built without a RecoveryConfig.
func (ns *Namespace) SetRecovery(enabled bool) {
	ns.recoveryDisabled.Store(!enabled)
}

// To returns a BroadcastOperator for emitting to specific rooms
func (ns *Namespace) To(rooms ...string) *BroadcastOperator {
	return &BroadcastOperator{
		namespace: ns,
		rooms:     rooms,
	}
}

// Except returns a BroadcastOperator excluding the given socket IDs or rooms
func (ns *Namespace) Except(rooms ...string) *BroadcastOperator {
	return ns.To().Except(rooms...)
}

// Emit broadcasts an event to all sockets in the namespace
func (ns *Namespace) Emit(event string, data ...interface{}) error {
	return ns.To().Emit(event, data...)
}

// Sockets returns all connected sockets
func (ns *Namespace) Sockets() []*Socket {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	sockets := make([]*Socket, 0, len(ns.sockets))
	for _, socket := range ns.sockets {
		if socket.Connected() {
			sockets = append(sockets, socket)
		}
	}
	return sockets
}

// GetSocket retrieves a socket by ID. Sockets awaiting recovery are included.
func (ns *Namespace) GetSocket(id string) (*Socket, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	socket, ok := ns.sockets[id]
	return socket, ok
}

// SetAdapter sets a custom adapter
func (ns *Namespace) SetAdapter(adapter Adapter) {
	ns.adapter = adapter
}

func (ns *Namespace) socketIDs() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	ids := make([]string, 0, len(ns.sockets))
	for id := range ns.sockets {
		ids = append(ids, id)
	}
	return ids
}

func (ns *Namespace) recoveryEnabled() bool {
	return ns.server.config.Recovery != nil && !ns.recoveryDisabled.Load()
}

func (ns *Namespace) recoveryWindow() time.Duration {
	if ns.server.config.Recovery == nil {
		return 0
	}
	return ns.server.config.Recovery.MaxDisconnectionDuration
}

// nextOffset returns the offset to attach to an outgoing event, or "" when
// recovery is off.
func (ns *Namespace) nextOffset() string {
	if !ns.recoveryEnabled() {
		return ""
	}
	return ns.server.nextOffset()
}

// admit runs the admission flow for a CONNECT packet received on c.
func (ns *Namespace) admit(c *client, auth map[string]interface{}) {
	handshake := newHandshake(c.conn.Request(), auth)

	if ns.recoveryEnabled() {
		socket, err := ns.server.sessions.recover(c, ns, handshake, auth)
		if err != nil {
			ns.reject(c, err)
			return
		}
		if socket != nil {
			if reason, ok := c.add(socket); !ok {
				socket.markDisconnected(c, reason)
				return
			}
			ns.fireConnect(socket)
			return
		}
	}

	socket := newSocket(ns, handshake)
	if err := ns.runMiddlewares(socket); err != nil {
		socket.inbox.close()
		ns.reject(c, err)
		return
	}

	ns.addSocket(socket)
	if socket.pid != "" {
		ns.server.sessions.register(socket)
	}
	if err := socket.connect(c); err != nil {
		socket.log.Warn().Err(err).Msg("send connect packet")
	}
	if reason, ok := c.add(socket); !ok {
		// the connection closed while the socket was being admitted
		socket.markDisconnected(c, reason)
		return
	}
	socket.log.Debug().Msg("socket connected")
	ns.fireConnect(socket)
}

func (ns *Namespace) runMiddlewares(socket *Socket) error {
	ns.handlersMu.RLock()
	middlewares := append([]Middleware{}, ns.middlewares...)
	ns.handlersMu.RUnlock()

	for _, middleware := range middlewares {
		if err := middleware(socket); err != nil {
			return err
		}
	}
	return nil
}

func (ns *Namespace) reject(c *client, err error) {
	connectErr := connectErrorFrom(err)
	ns.log.Debug().Str("error", connectErr.Message).Msg("connection rejected")

	err = c.sendPacket(&Packet{
		Type:      PacketTypeConnectError,
		Namespace: ns.name,
		Data:      connectErr.payload(),
	})
	if err != nil {
		ns.log.Debug().Err(err).Msg("send connect error")
	}
}

func (ns *Namespace) fireConnect(socket *Socket) {
	ns.handlersMu.RLock()
	handlers := append([]func(*Socket){}, ns.onConnect...)
	ns.handlersMu.RUnlock()

	socket.dispatch(func() {
		for _, handler := range handlers {
			handler(socket)
		}
	})
}

func (ns *Namespace) addSocket(socket *Socket) {
	ns.mu.Lock()
	ns.sockets[socket.ID()] = socket
	ns.mu.Unlock()

	// Auto-join own room
	socket.Join(socket.ID())
}

func (ns *Namespace) removeSocket(id string) {
	ns.mu.Lock()
	delete(ns.sockets, id)
	ns.mu.Unlock()

	ns.adapter.RemoveAll(id)
}
