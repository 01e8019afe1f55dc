package engineio

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// maxPollBatch caps how many queued packets a single polling response carries.
const maxPollBatch = 256

// Session represents an Engine.IO session
type Session struct {
	id          string
	request     *http.Request
	server      *Server
	outgoing    chan *Packet
	closeOnce   sync.Once
	closed      chan struct{}
	mu          sync.RWMutex
	transport   string
	conn        *websocket.Conn
	upgrading   bool
	writeMu     sync.Mutex
	polling     atomic.Bool
	timerMu     sync.Mutex
	pingTimer   *time.Timer
	pingTimeout *time.Timer
	onMessage   func([]byte, bool)
	onClose     func(string)
}

// NewSession creates a new Engine.IO session. Sessions start on the polling
// transport until a WebSocket connection is attached.
func NewSession(id string, r *http.Request, server *Server) *Session {
	s := &Session{
		id:        id,
		request:   r,
		server:    server,
		outgoing:  make(chan *Packet, 256),
		closed:    make(chan struct{}),
		transport: TransportPolling,
	}

	return s
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Request returns the HTTP request that opened the session
func (s *Session) Request() *http.Request {
	return s.request
}

// RemoteAddr returns the remote address of the handshake request
func (s *Session) RemoteAddr() string {
	return s.request.RemoteAddr
}

// Transport returns the name of the active transport
func (s *Session) Transport() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Start starts the session loops
func (s *Session) Start() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn != nil {
		go s.writeLoop(conn)
		go s.readLoop(conn)
	}
	s.schedulePing()
}

// Send queues a packet for the client
func (s *Session) Send(packet *Packet) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outgoing <- packet:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		// Channel full, connection might be slow
		return ErrSlowClient
	}
}

// Close closes the session
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stopTimers()

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn != nil {
			if reason != ReasonTransportClose && reason != ReasonTransportError {
				packet := &Packet{Type: PacketTypeClose}
				s.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				conn.WriteMessage(websocket.TextMessage, packet.Encode())
				s.writeMu.Unlock()
			}
			conn.Close()
		}

		s.server.sessions.Delete(s.id)
		s.server.log.Debug().Str("sid", s.id).Str("reason", reason).Msg("session closed")

		s.mu.RLock()
		handler := s.onClose
		s.mu.RUnlock()
		if handler != nil {
			handler(reason)
		}
	})
}

// OnMessage sets the message handler
func (s *Session) OnMessage(fn func(data []byte, binary bool)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnClose sets the close handler
func (s *Session) OnClose(fn func(string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.transport = TransportWebSocket
	s.mu.Unlock()
}

func (s *Session) isUpgrading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upgrading
}

func (s *Session) servePolling(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.pollGet(w, r)
	case http.MethodPost:
		s.pollPost(w, r)
	default:
		s.server.writeError(w, codeBadRequest)
	}
}

func (s *Session) pollGet(w http.ResponseWriter, r *http.Request) {
	if !s.polling.CompareAndSwap(false, true) {
		// overlapping GET requests are a protocol violation
		s.server.writeError(w, codeBadRequest)
		s.Close(ReasonTransportError)
		return
	}
	defer s.polling.Store(false)

	if s.isUpgrading() {
		// never hold a poll open while the client switches transports
		packets := s.drain(nil)
		if len(packets) == 0 {
			packets = append(packets, &Packet{Type: PacketTypeNoop})
		}
		s.writePayload(w, packets)
		return
	}

	var packets []*Packet
	select {
	case packet := <-s.outgoing:
		packets = append(packets, packet)
	case <-s.closed:
		packets = append(packets, &Packet{Type: PacketTypeClose})
	case <-r.Context().Done():
		return
	}
	s.writePayload(w, s.drain(packets))
}

// drain appends queued packets without blocking, up to maxPollBatch.
func (s *Session) drain(packets []*Packet) []*Packet {
	for len(packets) < maxPollBatch {
		select {
		case packet := <-s.outgoing:
			packets = append(packets, packet)
		default:
			return packets
		}
	}
	return packets
}

func (s *Session) pollPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.server.config.MaxPayload)))
	if err != nil {
		s.server.writeError(w, codeBadRequest)
		s.Close(ReasonTransportError)
		return
	}

	packets, err := DecodePayload(body)
	if err != nil {
		s.server.log.Debug().Err(err).Str("sid", s.id).Msg("invalid polling payload")
		s.server.writeError(w, codeBadRequest)
		s.Close(ReasonTransportError)
		return
	}
	for _, packet := range packets {
		s.handlePacket(packet)
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("ok"))
}

func (s *Session) writePayload(w http.ResponseWriter, packets []*Packet) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.Write(EncodePayload(packets))
}

// probe runs the upgrade handshake on a freshly opened WebSocket and switches
// the session over once the client commits.
func (s *Session) probe(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.server.upgradeTimeout()))

	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != "2probe" {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.upgrading = true
	s.mu.Unlock()

	// release a pending poll so the client can send the upgrade packet
	s.Send(&Packet{Type: PacketTypeNoop})

	if err := conn.WriteMessage(websocket.TextMessage, []byte("3probe")); err != nil {
		s.abortUpgrade(conn)
		return
	}

	_, data, err = conn.ReadMessage()
	if err != nil || string(data) != "5" {
		s.abortUpgrade(conn)
		return
	}
	conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.transport = TransportWebSocket
	s.upgrading = false
	s.mu.Unlock()

	select {
	case <-s.closed:
		conn.Close()
		return
	default:
	}

	s.server.log.Debug().Str("sid", s.id).Msg("upgraded to websocket")
	go s.writeLoop(conn)
	go s.readLoop(conn)
}

func (s *Session) abortUpgrade(conn *websocket.Conn) {
	s.mu.Lock()
	s.upgrading = false
	s.mu.Unlock()
	conn.Close()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			reason := ReasonTransportError
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = ReasonTransportClose
			}
			s.Close(reason)
			return
		}

		if msgType == websocket.BinaryMessage {
			s.handlePacket(&Packet{Type: PacketTypeMessage, Data: data, Binary: true})
			continue
		}

		packet, err := DecodePacket(data)
		if err != nil {
			continue
		}

		s.handlePacket(packet)
	}
}

func (s *Session) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case packet := <-s.outgoing:
			if err := s.writeFrame(conn, packet); err != nil {
				s.Close(ReasonTransportError)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) writeFrame(conn *websocket.Conn, packet *Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if packet.Binary {
		return conn.WriteMessage(websocket.BinaryMessage, packet.Data)
	}
	return conn.WriteMessage(websocket.TextMessage, packet.Encode())
}

func (s *Session) handlePacket(packet *Packet) {
	switch packet.Type {
	case PacketTypePing:
		s.handlePing(packet)
	case PacketTypePong:
		s.handlePong()
	case PacketTypeMessage:
		s.handleMessage(packet.Data, packet.Binary)
	case PacketTypeClose:
		s.Close(ReasonTransportClose)
	}
}

func (s *Session) handlePing(packet *Packet) {
	s.Send(&Packet{Type: PacketTypePong, Data: packet.Data})
}

func (s *Session) handlePong() {
	s.timerMu.Lock()
	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
	s.timerMu.Unlock()
	s.schedulePing()
}

// handleMessage passes a message to the OnMessage handler. A panic in the
// handler closes the session with a parse error.
func (s *Session) handleMessage(data []byte, binary bool) {
	s.mu.RLock()
	handler := s.onMessage
	s.mu.RUnlock()

	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.server.log.Error().Interface("panic", r).Str("sid", s.id).Msg("message handler panicked")
			s.Close(ReasonParseError)
		}
	}()
	handler(data, binary)
}

func (s *Session) schedulePing() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(s.server.pingInterval(), func() {
		s.schedulePingTimeout()
		s.Send(&Packet{Type: PacketTypePing})
	})
}

func (s *Session) schedulePingTimeout() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	s.pingTimeout = time.AfterFunc(s.server.pingTimeout(), func() {
		s.Close(ReasonPingTimeout)
	})
}

func (s *Session) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
}
