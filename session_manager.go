package gosocketio

import (
	"sync"

	"github.com/rs/zerolog"
)

// sessionManager indexes recoverable sockets by their private session ID.
// Only the holder of the pid may resume a session; the public sid is never
// accepted as a recovery credential.
type sessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Socket
	log      zerolog.Logger
}

func newSessionManager(logger zerolog.Logger) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*Socket),
		log:      logger,
	}
}

func (m *sessionManager) register(socket *Socket) {
	m.mu.Lock()
	m.sessions[socket.pid] = socket
	m.mu.Unlock()
}

func (m *sessionManager) forget(socket *Socket) {
	if socket.pid == "" {
		return
	}
	m.mu.Lock()
	if m.sessions[socket.pid] == socket {
		delete(m.sessions, socket.pid)
	}
	m.mu.Unlock()
}

func (m *sessionManager) lookup(pid string) (*Socket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	socket, ok := m.sessions[pid]
	return socket, ok
}

func (m *sessionManager) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// recover resumes the session named in the handshake auth. A nil socket with
// a nil error is a recovery miss and the caller admits a fresh session.
// A non-nil error means middleware rejected the returning client.
func (m *sessionManager) recover(c *client, ns *Namespace, handshake *Handshake, auth map[string]interface{}) (*Socket, error) {
	pid, _ := auth["pid"].(string)
	offset, _ := auth["offset"].(string)
	if pid == "" {
		return nil, nil
	}

	socket, ok := m.lookup(pid)
	if !ok || socket.namespace != ns {
		m.log.Debug().Str("nsp", ns.name).Msg("recovery miss: unknown session")
		return nil, nil
	}

	recovery := ns.server.config.Recovery
	if recovery != nil && !recovery.SkipMiddlewares {
		if err := ns.runMiddlewares(socket.candidate(handshake)); err != nil {
			return nil, err
		}
	}

	if !socket.tryRecover(c, handshake, offset) {
		m.log.Debug().Str("nsp", ns.name).Str("sid", socket.id).Msg("recovery miss: session not resumable")
		return nil, nil
	}
	return socket, nil
}
