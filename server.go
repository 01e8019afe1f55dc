package gosocketio

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ramory-l/siofixture/engineio"
)

// Server represents a Socket.IO server
type Server struct {
	config     *Config
	eio        *engineio.Server
	namespaces map[string]*Namespace
	nsMu       sync.RWMutex
	sessions   *sessionManager
	offset     atomic.Uint64
	log        zerolog.Logger
}

// RecoveryConfig enables connection state recovery
type RecoveryConfig struct {
	// MaxDisconnectionDuration bounds how long a disconnected session is kept.
	MaxDisconnectionDuration time.Duration
	// SkipMiddlewares admits a recovered session without re-running middleware.
	SkipMiddlewares bool
}

// DefaultRecoveryConfig returns the recovery settings used by Socket.IO
func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{
		MaxDisconnectionDuration: 2 * time.Minute,
		SkipMiddlewares:          true,
	}
}

// Config represents Socket.IO server configuration
type Config struct {
	PingInterval int // milliseconds
	PingTimeout  int // milliseconds
	MaxPayload   int // bytes

	// ConnectTimeout closes connections that join no namespace in time.
	ConnectTimeout time.Duration
	// Path is the URL prefix the server answers on.
	Path string
	// Recovery enables connection state recovery when non-nil.
	Recovery *RecoveryConfig
	// DynamicNamespaces creates namespaces on first client reference instead
	// of rejecting unknown ones.
	DynamicNamespaces bool
	Logger            *zerolog.Logger
}

func (c *Config) withDefaults() *Config {
	var out Config
	if c != nil {
		out = *c
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 45 * time.Second
	}
	if out.Path == "" {
		out.Path = "/socket.io/"
	}
	if !strings.HasSuffix(out.Path, "/") {
		out.Path += "/"
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	return &out
}

// NewServer creates a new Socket.IO server
func NewServer(config *Config) *Server {
	config = config.withDefaults()

	eioConfig := &engineio.Config{
		PingInterval: config.PingInterval,
		PingTimeout:  config.PingTimeout,
		MaxPayload:   config.MaxPayload,
		Logger:       config.Logger,
	}

	logger := config.Logger.With().Str("component", "socketio").Logger()
	server := &Server{
		config:     config,
		eio:        engineio.NewServer(eioConfig),
		namespaces: make(map[string]*Namespace),
		sessions:   newSessionManager(logger),
		log:        logger,
	}

	// Create default namespace
	server.Of("/")

	// Handle Engine.IO connections
	server.eio.OnConnect(server.handleConnection)

	return server
}

// Of returns a namespace, creating it if it doesn't exist
func (s *Server) Of(name string) *Namespace {
	name = normalizeNamespace(name)

	s.nsMu.RLock()
	ns, exists := s.namespaces[name]
	s.nsMu.RUnlock()

	if exists {
		return ns
	}

	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	// Double-check after acquiring write lock
	if ns, exists := s.namespaces[name]; exists {
		return ns
	}

	ns = NewNamespace(name, s)
	s.namespaces[name] = ns

	return ns
}

// OnConnect sets the connection handler for the default namespace
func (s *Server) OnConnect(handler func(*Socket)) {
	s.Of("/").OnConnect(handler)
}

// Use appends a middleware to the default namespace
func (s *Server) Use(middleware Middleware) {
	s.Of("/").Use(middleware)
}

// Emit broadcasts to all clients in the default namespace
func (s *Server) Emit(event string, data ...interface{}) error {
	return s.Of("/").Emit(event, data...)
}

// To returns a BroadcastOperator for the default namespace
func (s *Server) To(rooms ...string) *BroadcastOperator {
	return s.Of("/").To(rooms...)
}

// OnRequest registers a hook run before every plain HTTP request
func (s *Server) OnRequest(hook engineio.HeaderHook) {
	s.eio.OnRequest(hook)
}

// OnUpgrade registers a hook run before a WebSocket upgrade response
func (s *Server) OnUpgrade(hook engineio.HeaderHook) {
	s.eio.OnUpgrade(hook)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, s.config.Path) {
		http.NotFound(w, r)
		return
	}

	// Delegate to Engine.IO
	s.eio.ServeHTTP(w, r)
}

// Close closes the server and all connections
func (s *Server) Close() error {
	s.eio.Close()

	s.nsMu.RLock()
	namespaces := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.nsMu.RUnlock()

	for _, ns := range namespaces {
		for _, id := range ns.socketIDs() {
			if socket, ok := ns.GetSocket(id); ok {
				socket.close(engineio.ReasonServerShutdown, false)
			}
		}
		ns.adapter.Close()
	}

	return nil
}

func (s *Server) handleConnection(session *engineio.Session) {
	newClient(s, session)
}

// lookupNamespace resolves the namespace a client asked for.
func (s *Server) lookupNamespace(name string) (*Namespace, error) {
	name = normalizeNamespace(name)

	s.nsMu.RLock()
	ns, exists := s.namespaces[name]
	s.nsMu.RUnlock()

	if exists {
		return ns, nil
	}
	if s.config.DynamicNamespaces {
		return s.Of(name), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidNamespace, name)
}

func (s *Server) nextOffset() string {
	return fmt.Sprintf("%016x", s.offset.Add(1))
}

func normalizeNamespace(name string) string {
	if name == "" {
		return "/"
	}
	if !strings.HasPrefix(name, "/") {
		return "/" + name
	}
	return name
}
