package engineio

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowClient    = errors.New("slow client")
)

// Transport names as they appear in the "transport" query parameter.
const (
	TransportPolling   = "polling"
	TransportWebSocket = "websocket"
)

// Close reasons reported to OnClose handlers.
const (
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
	ReasonForcedClose    = "forced close"
	ReasonServerShutdown = "server shutting down"
	ReasonParseError     = "parse error"
)

// Engine.IO error codes returned to clients on a rejected request.
const (
	codeUnknownTransport = iota
	codeUnknownSID
	codeBadHandshakeMethod
	codeBadRequest
	codeForbidden
	codeUnsupportedProtocolVersion
)

var errorMessages = map[int]string{
	codeUnknownTransport:           "Transport unknown",
	codeUnknownSID:                 "Session ID unknown",
	codeBadHandshakeMethod:         "Bad handshake method",
	codeBadRequest:                 "Bad request",
	codeForbidden:                  "Forbidden",
	codeUnsupportedProtocolVersion: "Unsupported protocol version",
}

// Config holds Engine.IO server configuration
type Config struct {
	PingInterval   int // milliseconds
	PingTimeout    int // milliseconds
	MaxPayload     int // bytes
	UpgradeTimeout int // milliseconds
	Transports     []string
	Logger         *zerolog.Logger
}

// DefaultConfig returns default Engine.IO configuration
func DefaultConfig() *Config {
	nop := zerolog.Nop()
	return &Config{
		PingInterval:   25000, // 25 seconds
		PingTimeout:    20000, // 20 seconds
		MaxPayload:     1e6,   // 1MB
		UpgradeTimeout: 10000,
		Transports:     []string{TransportPolling, TransportWebSocket},
		Logger:         &nop,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.PingInterval <= 0 {
		out.PingInterval = def.PingInterval
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = def.PingTimeout
	}
	if out.MaxPayload <= 0 {
		out.MaxPayload = def.MaxPayload
	}
	if out.UpgradeTimeout <= 0 {
		out.UpgradeTimeout = def.UpgradeTimeout
	}
	if len(out.Transports) == 0 {
		out.Transports = def.Transports
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	return &out
}

// HeaderHook inspects an incoming request and may mutate the response headers
// before they are written.
type HeaderHook func(r *http.Request, header http.Header)

// Server represents an Engine.IO server
type Server struct {
	config    *Config
	upgrader  websocket.Upgrader
	sessions  sync.Map
	log       zerolog.Logger
	closing   atomic.Bool
	hooksMu   sync.RWMutex
	onConnect func(*Session)
	onRequest []HeaderHook
	onUpgrade []HeaderHook
}

// NewServer creates a new Engine.IO server
func NewServer(config *Config) *Server {
	config = config.withDefaults()

	return &Server{
		config: config,
		log:    config.Logger.With().Str("component", "engineio").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP handles polling requests and WebSocket upgrades
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := websocket.IsWebSocketUpgrade(r)
	if !upgrade {
		s.runHooks(s.requestHooks(), r, w.Header())
	}

	if s.closing.Load() {
		s.writeError(w, codeForbidden)
		return
	}

	query := r.URL.Query()
	if query.Get("EIO") != "4" {
		s.writeError(w, codeUnsupportedProtocolVersion)
		return
	}

	transport := query.Get("transport")
	if !s.allowsTransport(transport) {
		s.writeError(w, codeUnknownTransport)
		return
	}

	sid := query.Get("sid")
	if sid == "" {
		if transport == TransportPolling && r.Method != http.MethodGet {
			s.writeError(w, codeBadHandshakeMethod)
			return
		}
		if transport == TransportWebSocket && !upgrade {
			s.writeError(w, codeBadRequest)
			return
		}
		s.handshake(w, r, transport)
		return
	}

	session, ok := s.GetSession(sid)
	if !ok {
		s.writeError(w, codeUnknownSID)
		return
	}

	switch transport {
	case TransportWebSocket:
		if !upgrade {
			s.writeError(w, codeBadRequest)
			return
		}
		s.upgradeSession(w, r, session)
	case TransportPolling:
		if session.Transport() != TransportPolling {
			s.writeError(w, codeBadRequest)
			return
		}
		session.servePolling(w, r)
	}
}

// OnConnect sets the connection handler
func (s *Server) OnConnect(fn func(*Session)) {
	s.hooksMu.Lock()
	s.onConnect = fn
	s.hooksMu.Unlock()
}

// OnRequest registers a hook that runs before a plain HTTP request is handled.
func (s *Server) OnRequest(hook HeaderHook) {
	s.hooksMu.Lock()
	s.onRequest = append(s.onRequest, hook)
	s.hooksMu.Unlock()
}

// OnUpgrade registers a hook that runs before the WebSocket upgrade response
// is written. Headers added to the hook's header map are sent with it.
func (s *Server) OnUpgrade(hook HeaderHook) {
	s.hooksMu.Lock()
	s.onUpgrade = append(s.onUpgrade, hook)
	s.hooksMu.Unlock()
}

// GetSession retrieves a session by ID
func (s *Server) GetSession(sid string) (*Session, bool) {
	val, ok := s.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Close closes all sessions
func (s *Server) Close() {
	s.closing.Store(true)
	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		session.Close(ReasonServerShutdown)
		return true
	})
}

func (s *Server) handshake(w http.ResponseWriter, r *http.Request, transport string) {
	sid := generateSID()
	session := NewSession(sid, r, s)

	upgrades := []string{}
	if transport == TransportPolling && s.allowsTransport(TransportWebSocket) {
		upgrades = []string{TransportWebSocket}
	}
	open, err := EncodeHandshake(sid, upgrades, s.config.PingInterval, s.config.PingTimeout, s.config.MaxPayload)
	if err != nil {
		s.log.Error().Err(err).Msg("encode handshake")
		s.writeError(w, codeBadRequest)
		return
	}

	var conn *websocket.Conn
	if transport == TransportWebSocket {
		conn, err = s.upgradeConn(w, r)
		if err != nil {
			return
		}
		session.attach(conn)
	}

	session.Send(open)
	s.sessions.Store(sid, session)
	s.log.Debug().Str("sid", sid).Str("transport", transport).Msg("session opened")

	s.hooksMu.RLock()
	onConnect := s.onConnect
	s.hooksMu.RUnlock()
	if onConnect != nil {
		onConnect(session)
	}

	session.Start()

	if transport == TransportPolling {
		session.servePolling(w, r)
	}
}

func (s *Server) upgradeSession(w http.ResponseWriter, r *http.Request, session *Session) {
	if session.Transport() != TransportPolling || !s.allowsTransport(TransportWebSocket) {
		s.writeError(w, codeBadRequest)
		return
	}

	conn, err := s.upgradeConn(w, r)
	if err != nil {
		return
	}

	session.probe(conn)
}

func (s *Server) upgradeConn(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	header := http.Header{}
	s.runHooks(s.upgradeHooks(), r, header)

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil, err
	}
	conn.SetReadLimit(int64(s.config.MaxPayload))
	return conn, nil
}

func (s *Server) requestHooks() []HeaderHook {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.onRequest
}

func (s *Server) upgradeHooks() []HeaderHook {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.onUpgrade
}

func (s *Server) runHooks(hooks []HeaderHook, r *http.Request, header http.Header) {
	for _, hook := range hooks {
		hook(r, header)
	}
}

func (s *Server) allowsTransport(name string) bool {
	for _, t := range s.config.Transports {
		if t == name {
			return true
		}
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, code int) {
	status := http.StatusBadRequest
	if code == codeForbidden {
		status = http.StatusForbidden
	}
	body, _ := json.Marshal(map[string]interface{}{
		"code":    code,
		"message": errorMessages[code],
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) pingInterval() time.Duration {
	return time.Duration(s.config.PingInterval) * time.Millisecond
}

func (s *Server) pingTimeout() time.Duration {
	return time.Duration(s.config.PingTimeout) * time.Millisecond
}

func (s *Server) upgradeTimeout() time.Duration {
	return time.Duration(s.config.UpgradeTimeout) * time.Millisecond
}

func generateSID() string {
	b := make([]byte, 15)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
