package gosocketio

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ramory-l/siofixture/engineio"
)

// Disconnect reasons produced by the Socket.IO layer. Transport level reasons
// come from the engineio package.
const (
	ReasonServerDisconnect = "server namespace disconnect"
	ReasonClientDisconnect = "client namespace disconnect"
	ReasonParseError       = engineio.ReasonParseError
	ReasonConnectTimeout   = "connect timeout"
	ReasonRecoveryExpired  = "recovery window expired"
)

var recoverableReasons = map[string]bool{
	engineio.ReasonTransportClose: true,
	engineio.ReasonTransportError: true,
	engineio.ReasonPingTimeout:    true,
	engineio.ReasonForcedClose:    true,
	engineio.ReasonServerShutdown: true,
}

var reservedEvents = map[string]bool{
	"connect":        true,
	"connect_error":  true,
	"disconnect":     true,
	"disconnecting":  true,
	"newListener":    true,
	"removeListener": true,
}

type socketState int

const (
	stateConnecting socketState = iota
	stateConnected
	stateDisconnected
	stateClosed
)

func (st socketState) String() string {
	switch st {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnected:
		return "disconnected"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventHandler handles Socket.IO events
type EventHandler func(...interface{})

// encodedPacket is a packet ready for the wire, kept as-is in recovery buffers.
type encodedPacket struct {
	text        string
	attachments [][]byte
	offset      string
}

// historyEntry is a packet kept for replay. Unsent entries never reached a
// live connection.
type historyEntry struct {
	packet *encodedPacket
	at     time.Time
	sent   bool
}

func encodePacket(packet *Packet, offset string) (*encodedPacket, error) {
	text, attachments, err := packet.Encode()
	if err != nil {
		return nil, err
	}
	return &encodedPacket{text: text, attachments: attachments, offset: offset}, nil
}

// Socket is a client session within a namespace. Its ID survives a recovered
// reconnection; the underlying connection does not.
type Socket struct {
	id        string
	pid       string
	namespace *Namespace
	server    *Server
	log       zerolog.Logger
	acks      *ackRegistry
	inbox     *mailbox
	data      sync.Map

	mu             sync.Mutex
	state          socketState
	client         *client
	handshake      *Handshake
	recovered      bool
	history        *queue.Queue
	disconnectedAt time.Time
	expiry         *time.Timer
	generation     uint64

	handlersMu sync.RWMutex
	handlers   map[string]EventHandler

	listenersMu  sync.RWMutex
	onDisconnect []func(string)
	onError      []func(error)
}

func newSocket(namespace *Namespace, handshake *Handshake) *Socket {
	id := generateID()

	var pid string
	if namespace.recoveryEnabled() {
		pid = uuid.NewString()
	}

	return &Socket{
		id:        id,
		pid:       pid,
		namespace: namespace,
		server:    namespace.server,
		log:       namespace.log.With().Str("sid", id).Logger(),
		acks:      newAckRegistry(),
		inbox:     newMailbox(),
		state:     stateConnecting,
		handshake: handshake,
		history:   queue.New(),
		handlers:  make(map[string]EventHandler),
	}
}

// candidate returns a detached view of s carrying a new handshake. Middleware
// vets a returning client on it; the session itself only changes once
// recovery succeeds.
func (s *Socket) candidate(handshake *Handshake) *Socket {
	return &Socket{
		id:        s.id,
		pid:       s.pid,
		namespace: s.namespace,
		server:    s.server,
		log:       s.log,
		acks:      newAckRegistry(),
		inbox:     s.inbox,
		state:     stateConnecting,
		handshake: handshake,
		history:   queue.New(),
		handlers:  make(map[string]EventHandler),
	}
}

// ID returns the socket ID
func (s *Socket) ID() string {
	return s.id
}

// Namespace returns the namespace the socket belongs to
func (s *Socket) Namespace() *Namespace {
	return s.namespace
}

// Handshake returns the snapshot of the request that admitted the socket
func (s *Socket) Handshake() *Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// Recovered reports whether the socket resumed a previous session
func (s *Socket) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Connected reports whether the socket currently has a live connection
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// Emit sends an event to the client. While the socket is disconnected but
// recoverable the event is buffered and delivered upon reconnection.
func (s *Socket) Emit(event string, data ...interface{}) error {
	if reservedEvents[event] {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}

	args := eventArgs(event, data)
	offset := s.namespace.nextOffset()
	if offset != "" {
		args = append(args, offset)
	}

	encoded, err := encodePacket(&Packet{
		Type:      PacketTypeEvent,
		Namespace: s.namespace.name,
		Data:      args,
	}, offset)
	if err != nil {
		return err
	}

	return s.deliver(encoded)
}

// Send emits a "message" event
func (s *Socket) Send(data ...interface{}) error {
	return s.Emit("message", data...)
}

// EmitWithAck sends an event and expects an acknowledgment
func (s *Socket) EmitWithAck(event string, ack AckHandler, data ...interface{}) error {
	return s.EmitWithAckTimeout(event, 0, func(_ error, args ...interface{}) {
		ack(args...)
	}, data...)
}

// EmitWithAckTimeout sends an event and expects an acknowledgment within
// timeout. A zero timeout waits indefinitely.
func (s *Socket) EmitWithAckTimeout(event string, timeout time.Duration, ack AckTimeoutHandler, data ...interface{}) error {
	if reservedEvents[event] {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}

	id := s.acks.register(ack, timeout, func(id int) {
		s.inbox.push(func() {
			s.acks.resolve(id, ErrAckTimeout)
		})
	})

	err := s.sendPacket(&Packet{
		Type:      PacketTypeEvent,
		Namespace: s.namespace.name,
		Data:      eventArgs(event, data),
		ID:        &id,
	})
	if err != nil {
		s.acks.take(id)
		return err
	}
	return nil
}

// On registers the handler for an event, replacing any previous one
func (s *Socket) On(event string, handler EventHandler) {
	s.handlersMu.Lock()
	s.handlers[event] = handler
	s.handlersMu.Unlock()
}

// Off removes the handler for an event
func (s *Socket) Off(event string) {
	s.handlersMu.Lock()
	delete(s.handlers, event)
	s.handlersMu.Unlock()
}

// Join adds the socket to a room
func (s *Socket) Join(room string) {
	s.namespace.adapter.Add(s.id, room)
}

// Leave removes the socket from a room
func (s *Socket) Leave(room string) {
	s.namespace.adapter.Remove(s.id, room)
}

// Rooms returns all rooms the socket is in
func (s *Socket) Rooms() []string {
	return s.namespace.adapter.SocketRooms(s.id)
}

// To returns a BroadcastOperator targeting rooms, excluding this socket
func (s *Socket) To(rooms ...string) *BroadcastOperator {
	return s.namespace.To(rooms...).Except(s.id)
}

// Broadcast returns a BroadcastOperator targeting every other socket
func (s *Socket) Broadcast() *BroadcastOperator {
	return s.namespace.To().Except(s.id)
}

// Set stores arbitrary data on the socket
func (s *Socket) Set(key string, value interface{}) {
	s.data.Store(key, value)
}

// Get retrieves data from the socket
func (s *Socket) Get(key string) (interface{}, bool) {
	return s.data.Load(key)
}

// OnDisconnect registers a disconnect handler
func (s *Socket) OnDisconnect(handler func(reason string)) {
	s.listenersMu.Lock()
	s.onDisconnect = append(s.onDisconnect, handler)
	s.listenersMu.Unlock()
}

// OnError registers an error handler
func (s *Socket) OnError(handler func(err error)) {
	s.listenersMu.Lock()
	s.onError = append(s.onError, handler)
	s.listenersMu.Unlock()
}

// Disconnect closes the socket for good. The client is told to disconnect and
// the session is not kept for recovery.
func (s *Socket) Disconnect() {
	s.close(ReasonServerDisconnect, true)
}

func (s *Socket) sendPacket(packet *Packet) error {
	encoded, err := encodePacket(packet, "")
	if err != nil {
		return err
	}
	return s.deliver(encoded)
}

// deliver writes a packet to the live connection or buffers it while the
// socket waits for recovery. Packets carrying an offset stay in the history
// for the recovery window even once written, since a dying transport may
// never hand them to the client.
func (s *Socket) deliver(packet *encodedPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateConnected:
		err := s.client.write(packet)
		if errors.Is(err, engineio.ErrSessionClosed) && s.pid != "" {
			// transport is gone but the disconnect has not been processed yet
			s.record(packet, false)
			return nil
		}
		if err == nil && packet.offset != "" && s.pid != "" {
			s.record(packet, true)
		}
		return err
	case stateDisconnected:
		s.record(packet, false)
		return nil
	default:
		return ErrSocketDisconnected
	}
}

// record appends packet to the history and prunes sent entries older than
// the recovery window. Callers hold s.mu.
func (s *Socket) record(packet *encodedPacket, sent bool) {
	now := time.Now()
	window := s.namespace.recoveryWindow()
	for s.history.Length() > 0 {
		oldest := s.history.Peek().(*historyEntry)
		if !oldest.sent || now.Sub(oldest.at) < window {
			break
		}
		s.history.Remove()
	}
	s.history.Add(&historyEntry{packet: packet, at: now, sent: sent})
}

// replayStart returns the history index right after the entry carrying
// offset, or -1 when no entry carries it.
func (s *Socket) replayStart(offset string) int {
	if offset == "" {
		return -1
	}
	for i := s.history.Length() - 1; i >= 0; i-- {
		if s.history.Get(i).(*historyEntry).packet.offset == offset {
			return i + 1
		}
	}
	return -1
}

// connect binds a freshly admitted socket to its client and acknowledges the
// namespace connection.
func (s *Socket) connect(c *client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = stateConnected
	s.client = c
	return c.sendPacket(s.connectPacket())
}

func (s *Socket) connectPacket() *Packet {
	data := map[string]interface{}{"sid": s.id}
	if s.pid != "" {
		data["pid"] = s.pid
	}
	return &Packet{
		Type:      PacketTypeConnect,
		Namespace: s.namespace.name,
		Data:      data,
	}
}

// tryRecover rebinds a disconnected socket to a new client. History entries
// the client has not seen are flushed in write order before any other write
// can reach the connection. The client's offset is located by position; when
// it is unknown, unsent entries and entries with a later offset are replayed.
func (s *Socket) tryRecover(c *client, handshake *Handshake, offset string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateDisconnected {
		return false
	}
	if time.Since(s.disconnectedAt) >= s.namespace.recoveryWindow() {
		return false
	}

	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.generation++
	s.state = stateConnected
	s.client = c
	s.handshake = handshake
	s.recovered = true

	if err := c.sendPacket(s.connectPacket()); err != nil {
		s.log.Warn().Err(err).Msg("send connect packet")
	}

	start := s.replayStart(offset)
	kept := queue.New()
	flushed := 0
	for i := 0; i < s.history.Length(); i++ {
		entry := s.history.Get(i).(*historyEntry)

		replay := !entry.sent
		switch {
		case start >= 0:
			replay = i >= start
		case offset != "" && entry.packet.offset > offset:
			replay = true
		}

		if !replay {
			// the client saw it, or it precedes what the client saw
			entry.sent = true
		} else if err := c.write(entry.packet); err != nil {
			s.log.Warn().Err(err).Msg("flush buffered packet")
			entry.sent = false
		} else {
			entry.sent = true
			flushed++
		}
		if entry.packet.offset != "" || !entry.sent {
			kept.Add(entry)
		}
	}
	s.history = kept

	s.log.Debug().Int("flushed", flushed).Msg("session recovered")
	return true
}

// markDisconnected handles the loss of the connection c. Recoverable reasons
// keep the session around for the recovery window; anything else closes it.
func (s *Socket) markDisconnected(c *client, reason string) {
	s.mu.Lock()
	if s.state != stateConnected || s.client != c {
		s.mu.Unlock()
		return
	}

	if s.pid == "" || !recoverableReasons[reason] || !s.namespace.recoveryEnabled() {
		s.mu.Unlock()
		s.close(reason, false)
		return
	}

	s.state = stateDisconnected
	s.client = nil
	s.disconnectedAt = time.Now()
	s.generation++
	generation := s.generation
	s.expiry = time.AfterFunc(s.namespace.recoveryWindow(), func() {
		s.expire(generation)
	})
	s.mu.Unlock()

	s.log.Debug().Str("reason", reason).Msg("socket disconnected, awaiting recovery")
	s.fireDisconnect(reason)
}

// expire ends a session whose recovery window elapsed. A reconnection that
// completed first bumps the generation and wins.
func (s *Socket) expire(generation uint64) {
	s.mu.Lock()
	if s.state != stateDisconnected || s.generation != generation {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.expiry = nil
	s.history = queue.New()
	s.mu.Unlock()

	s.log.Debug().Msg("recovery window expired")
	s.cleanup(nil)
	s.inbox.close()
}

// close moves the socket to its terminal state.
func (s *Socket) close(reason string, notifyClient bool) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == stateConnected
	c := s.client
	s.state = stateClosed
	s.client = nil
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.generation++
	s.history = queue.New()
	s.mu.Unlock()

	if notifyClient && c != nil {
		c.sendPacket(&Packet{Type: PacketTypeDisconnect, Namespace: s.namespace.name})
	}

	s.log.Debug().Str("reason", reason).Msg("socket closed")
	s.cleanup(c)
	if wasConnected {
		s.fireDisconnect(reason)
	}
	s.inbox.close()
}

func (s *Socket) cleanup(c *client) {
	if c != nil {
		c.remove(s)
	}
	s.namespace.removeSocket(s.id)
	s.server.sessions.forget(s)
	s.acks.abandon()
}

func (s *Socket) onPacket(packet *Packet) {
	switch packet.Type {
	case PacketTypeEvent:
		s.handleEvent(packet)
	case PacketTypeAck:
		s.handleAck(packet)
	case PacketTypeDisconnect:
		s.close(ReasonClientDisconnect, false)
	}
}

func (s *Socket) handleEvent(packet *Packet) {
	dataArray := packet.Data.([]interface{})
	event := dataArray[0].(string)

	args := make([]interface{}, 0, len(dataArray))
	args = append(args, dataArray[1:]...)

	// Handle acknowledgment
	if packet.ID != nil {
		id := *packet.ID
		args = append(args, onceAck(func(ackData []interface{}) {
			err := s.sendPacket(&Packet{
				Type:      PacketTypeAck,
				Namespace: s.namespace.name,
				Data:      ackData,
				ID:        &id,
			})
			if err != nil {
				s.log.Debug().Err(err).Int("ack", id).Msg("send ack")
			}
		}))
	}

	s.dispatch(func() {
		s.handlersMu.RLock()
		handler := s.handlers[event]
		s.handlersMu.RUnlock()

		if handler == nil {
			s.log.Debug().Str("event", event).Msg("no handler")
			return
		}
		handler(args...)
	})
}

func (s *Socket) handleAck(packet *Packet) {
	id := *packet.ID
	args, _ := packet.Data.([]interface{})

	s.dispatch(func() {
		if !s.acks.resolve(id, nil, args...) {
			s.log.Debug().Int("ack", id).Msg("ignoring unknown ack")
		}
	})
}

// dispatch runs fn on the socket's mailbox, turning a handler panic into an
// error event instead of a crash.
func (s *Socket) dispatch(fn func()) {
	s.inbox.push(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("handler panicked")
				s.reportError(fmt.Errorf("handler panic: %v", r))
			}
		}()
		fn()
	})
}

// fireDisconnect queues the disconnect listeners behind any pending connect
// handler, so listeners registered there are seen.
func (s *Socket) fireDisconnect(reason string) {
	s.dispatch(func() {
		s.listenersMu.RLock()
		handlers := append([]func(string){}, s.onDisconnect...)
		s.listenersMu.RUnlock()

		for _, handler := range handlers {
			handler(reason)
		}
	})
}

func (s *Socket) reportError(err error) {
	s.inbox.push(func() {
		s.listenersMu.RLock()
		handlers := append([]func(error){}, s.onError...)
		s.listenersMu.RUnlock()

		if len(handlers) == 0 {
			s.log.Debug().Err(err).Msg("socket error")
			return
		}
		for _, handler := range handlers {
			handler(err)
		}
	})
}

func eventArgs(event string, data []interface{}) []interface{} {
	args := make([]interface{}, 0, len(data)+2)
	args = append(args, event)
	args = append(args, data...)
	return args
}

func generateID() string {
	b := make([]byte, 15)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
