package gosocketio

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const readTimeout = 3 * time.Second

// testClient speaks Engine.IO v4 over a bare WebSocket, the way a Socket.IO
// client does when started with transports: ["websocket"].
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	sid  string
	dec  decoder
}

func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()

	server := NewServer(cfg)
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return server, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) (*testClient, *http.Response) {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "0"), "expected open packet, got %q", data)

	var open struct {
		SID string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal(data[1:], &open))
	c.sid = open.SID

	return c, resp
}

func (c *testClient) send(packet *Packet) {
	c.t.Helper()

	text, attachments, err := packet.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte("4"+text)))
	for _, attachment := range attachments {
		require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, attachment))
	}
}

func (c *testClient) emit(nsp string, args ...interface{}) {
	c.t.Helper()
	c.send(&Packet{Type: PacketTypeEvent, Namespace: nsp, Data: args})
}

func (c *testClient) emitWithAck(nsp string, id int, args ...interface{}) {
	c.t.Helper()
	c.send(&Packet{Type: PacketTypeEvent, Namespace: nsp, Data: args, ID: &id})
}

// connect joins nsp and returns the server's reply.
func (c *testClient) connect(nsp string, auth map[string]interface{}) *Packet {
	c.t.Helper()

	var data interface{}
	if auth != nil {
		data = auth
	}
	c.send(&Packet{Type: PacketTypeConnect, Namespace: nsp, Data: data})
	return c.next()
}

// next returns the next complete Socket.IO packet, answering pings on the way.
func (c *testClient) next() *Packet {
	c.t.Helper()

	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)

		var packet *Packet
		switch {
		case msgType == websocket.BinaryMessage:
			packet, err = c.dec.add(data, true)
		case len(data) > 0 && data[0] == '2':
			require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte("3")))
			continue
		case len(data) > 0 && data[0] == '4':
			packet, err = c.dec.add(data[1:], false)
		default:
			continue
		}
		require.NoError(c.t, err)
		if packet != nil {
			return packet
		}
	}
}

// nextEvent returns the next event packet and fails on anything else.
func (c *testClient) nextEvent(name string) []interface{} {
	c.t.Helper()

	packet := c.next()
	require.Equal(c.t, PacketTypeEvent, packet.Type, "packet %+v", packet)
	args := packet.Data.([]interface{})
	require.Equal(c.t, name, args[0])
	return args[1:]
}

// expectSilence asserts nothing arrives within d. The connection cannot be
// read afterwards.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected message %q", data)

	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected error %v", err)
}

func connectData(t *testing.T, packet *Packet) map[string]interface{} {
	t.Helper()

	require.Equal(t, PacketTypeConnect, packet.Type, "packet %+v", packet)
	data, ok := packet.Data.(map[string]interface{})
	require.True(t, ok)
	return data
}
