package gosocketio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ramory-l/siofixture/engineio"
)

// client multiplexes the namespace sockets of one Engine.IO connection.
type client struct {
	server       *Server
	conn         *engineio.Session
	log          zerolog.Logger
	connectTimer *time.Timer

	// recvMu serializes decoding and routing of inbound messages
	recvMu  sync.Mutex
	decoder decoder

	// writeMu keeps a packet's attachments adjacent to its header
	writeMu sync.Mutex

	mu          sync.RWMutex
	sockets     map[string]*Socket
	closed      bool
	closeReason string
}

func newClient(server *Server, conn *engineio.Session) *client {
	c := &client{
		server:  server,
		conn:    conn,
		log:     server.log.With().Str("conn", conn.ID()).Logger(),
		sockets: make(map[string]*Socket),
	}

	conn.OnMessage(c.handleMessage)
	conn.OnClose(c.handleClose)
	c.connectTimer = time.AfterFunc(server.config.ConnectTimeout, c.checkConnected)

	return c
}

func (c *client) handleMessage(data []byte, binary bool) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	packet, err := c.decoder.add(data, binary)
	if err != nil {
		c.log.Debug().Err(err).Msg("invalid packet")
		c.conn.Close(ReasonParseError)
		return
	}
	if packet == nil {
		return
	}

	if packet.Type == PacketTypeConnect {
		c.handleConnect(packet)
		return
	}

	c.mu.RLock()
	socket := c.sockets[packet.Namespace]
	c.mu.RUnlock()

	if socket == nil {
		c.log.Debug().Str("nsp", packet.Namespace).Stringer("type", packet.Type).Msg("packet for unconnected namespace")
		return
	}
	socket.onPacket(packet)
}

func (c *client) handleConnect(packet *Packet) {
	ns, err := c.server.lookupNamespace(packet.Namespace)
	if err != nil {
		c.sendPacket(&Packet{
			Type:      PacketTypeConnectError,
			Namespace: packet.Namespace,
			Data:      map[string]interface{}{"message": "Invalid namespace"},
		})
		return
	}

	c.mu.RLock()
	_, connected := c.sockets[ns.name]
	c.mu.RUnlock()
	if connected {
		c.log.Debug().Str("nsp", ns.name).Msg("namespace already connected")
		return
	}

	auth, _ := packet.Data.(map[string]interface{})
	ns.admit(c, auth)
}

func (c *client) handleClose(reason string) {
	c.connectTimer.Stop()

	c.mu.Lock()
	c.closed = true
	c.closeReason = reason
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, socket := range c.sockets {
		sockets = append(sockets, socket)
	}
	c.sockets = make(map[string]*Socket)
	c.mu.Unlock()

	for _, socket := range sockets {
		socket.markDisconnected(c, reason)
	}
}

func (c *client) checkConnected() {
	c.mu.RLock()
	n := len(c.sockets)
	c.mu.RUnlock()

	if n == 0 {
		c.log.Debug().Msg("no namespace joined in time")
		c.conn.Close(ReasonConnectTimeout)
	}
}

// add attaches socket to the connection. Once the connection has closed it
// refuses and returns the close reason instead.
func (c *client) add(socket *Socket) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closeReason, false
	}
	c.sockets[socket.namespace.name] = socket
	return "", true
}

func (c *client) remove(socket *Socket) {
	c.mu.Lock()
	if c.sockets[socket.namespace.name] == socket {
		delete(c.sockets, socket.namespace.name)
	}
	c.mu.Unlock()
}

func (c *client) sendPacket(packet *Packet) error {
	encoded, err := encodePacket(packet, "")
	if err != nil {
		return err
	}
	return c.write(encoded)
}

func (c *client) write(packet *encodedPacket) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.conn.Send(&engineio.Packet{
		Type: engineio.PacketTypeMessage,
		Data: []byte(packet.text),
	})
	if err != nil {
		return err
	}

	for _, attachment := range packet.attachments {
		err := c.conn.Send(&engineio.Packet{
			Type:   engineio.PacketTypeMessage,
			Data:   attachment,
			Binary: true,
		})
		if err != nil {
			return fmt.Errorf("send attachment: %w", err)
		}
	}
	return nil
}
