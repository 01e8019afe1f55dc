package engineio

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	data   string
	binary bool
}

// newTestServer starts a server whose sessions report inbound messages on the
// returned channel.
func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server, chan *Session, chan message) {
	t.Helper()

	sessions := make(chan *Session, 4)
	messages := make(chan message, 16)

	server := NewServer(cfg)
	server.OnConnect(func(s *Session) {
		s.OnMessage(func(data []byte, binary bool) {
			messages <- message{data: string(data), binary: binary}
		})
		sessions <- s
	})

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return server, ts, sessions, messages
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()

	resp, err := http.Post(url, "text/plain;charset=UTF-8", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(out)
}

func pollingHandshake(t *testing.T, ts *httptest.Server) HandshakeData {
	t.Helper()

	status, body := get(t, ts.URL+"/?EIO=4&transport=polling")
	require.Equal(t, http.StatusOK, status)
	require.True(t, strings.HasPrefix(body, "0"), "unexpected body %q", body)

	var data HandshakeData
	require.NoError(t, json.Unmarshal([]byte(body[1:]), &data))
	return data
}

func errorCode(t *testing.T, body string) int {
	t.Helper()

	var e struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	assert.Equal(t, errorMessages[e.Code], e.Message)
	return e.Code
}

func TestPollingHandshake(t *testing.T) {
	_, ts, _, _ := newTestServer(t, &Config{PingInterval: 300, PingTimeout: 200, MaxPayload: 1000})

	data := pollingHandshake(t, ts)
	assert.NotEmpty(t, data.SID)
	assert.Equal(t, []string{TransportWebSocket}, data.Upgrades)
	assert.Equal(t, 300, data.PingInterval)
	assert.Equal(t, 200, data.PingTimeout)
	assert.Equal(t, 1000, data.MaxPayload)
}

func TestPollingExchange(t *testing.T) {
	_, ts, sessions, messages := newTestServer(t, nil)

	data := pollingHandshake(t, ts)
	session := <-sessions
	assert.Equal(t, data.SID, session.ID())
	assert.Equal(t, TransportPolling, session.Transport())

	url := ts.URL + "/?EIO=4&transport=polling&sid=" + data.SID

	status, body := post(t, url, "4hello\x1ebAQI=")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)
	assert.Equal(t, message{data: "hello"}, <-messages)
	assert.Equal(t, message{data: "\x01\x02", binary: true}, <-messages)

	require.NoError(t, session.Send(&Packet{Type: PacketTypeMessage, Data: []byte("hi")}))
	require.NoError(t, session.Send(&Packet{Type: PacketTypeMessage, Data: []byte{0xff}, Binary: true}))

	status, body = get(t, url)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "4hi\x1eb/w==", body)
}

func TestPollingPingIsAnswered(t *testing.T) {
	_, ts, _, _ := newTestServer(t, nil)

	data := pollingHandshake(t, ts)
	url := ts.URL + "/?EIO=4&transport=polling&sid=" + data.SID

	post(t, url, "2probe")
	_, body := get(t, url)
	assert.Equal(t, "3probe", body)
}

func TestPollingCloseFromClient(t *testing.T) {
	server, ts, sessions, _ := newTestServer(t, nil)

	data := pollingHandshake(t, ts)
	session := <-sessions

	reasons := make(chan string, 1)
	session.OnClose(func(reason string) { reasons <- reason })

	post(t, ts.URL+"/?EIO=4&transport=polling&sid="+data.SID, "1")
	assert.Equal(t, ReasonTransportClose, <-reasons)

	_, ok := server.GetSession(data.SID)
	assert.False(t, ok)
}

func TestRequestErrors(t *testing.T) {
	_, ts, _, _ := newTestServer(t, &Config{Transports: []string{TransportPolling}})

	tests := []struct {
		name   string
		method string
		query  string
		status int
		code   int
	}{
		{"missing protocol version", http.MethodGet, "transport=polling", http.StatusBadRequest, codeUnsupportedProtocolVersion},
		{"old protocol version", http.MethodGet, "EIO=3&transport=polling", http.StatusBadRequest, codeUnsupportedProtocolVersion},
		{"unknown transport", http.MethodGet, "EIO=4&transport=carrier-pigeon", http.StatusBadRequest, codeUnknownTransport},
		{"disabled transport", http.MethodGet, "EIO=4&transport=websocket", http.StatusBadRequest, codeUnknownTransport},
		{"unknown session", http.MethodGet, "EIO=4&transport=polling&sid=nope", http.StatusBadRequest, codeUnknownSID},
		{"handshake by POST", http.MethodPost, "EIO=4&transport=polling", http.StatusBadRequest, codeBadHandshakeMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+"/?"+tt.query, strings.NewReader("4x"))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, string(body)))
		})
	}
}

func TestClosedServerRejectsRequests(t *testing.T) {
	server, ts, _, _ := newTestServer(t, nil)
	server.Close()

	status, body := get(t, ts.URL+"/?EIO=4&transport=polling")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, codeForbidden, errorCode(t, body))
}

func TestRequestHook(t *testing.T) {
	server, ts, _, _ := newTestServer(t, nil)
	server.OnRequest(func(r *http.Request, header http.Header) {
		header.Set("X-Echo", r.URL.Query().Get("transport"))
	})

	resp, err := http.Get(ts.URL + "/?EIO=4&transport=polling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "polling", resp.Header.Get("X-Echo"))

	// hooks run on rejected requests too
	resp, err = http.Get(ts.URL + "/?EIO=3&transport=polling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "polling", resp.Header.Get("X-Echo"))
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + query
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func TestWebSocketOnly(t *testing.T) {
	server, ts, sessions, messages := newTestServer(t, nil)
	server.OnUpgrade(func(r *http.Request, header http.Header) {
		header.Set("X-Upgrade", "yes")
	})

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "EIO=4&transport=websocket"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "yes", resp.Header.Get("X-Upgrade"))

	open := readText(t, conn)
	require.True(t, strings.HasPrefix(open, "0"))
	var data HandshakeData
	require.NoError(t, json.Unmarshal([]byte(open[1:]), &data))
	assert.Empty(t, data.Upgrades)

	session := <-sessions
	assert.Equal(t, TransportWebSocket, session.Transport())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("4text")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{9, 8}))
	assert.Equal(t, message{data: "text"}, <-messages)
	assert.Equal(t, message{data: "\x09\x08", binary: true}, <-messages)

	require.NoError(t, session.Send(&Packet{Type: PacketTypeMessage, Data: []byte{7}, Binary: true}))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{7}, raw)
}

func TestUpgradeFromPolling(t *testing.T) {
	_, ts, sessions, messages := newTestServer(t, nil)

	data := pollingHandshake(t, ts)
	session := <-sessions
	pollURL := ts.URL + "/?EIO=4&transport=polling&sid=" + data.SID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "EIO=4&transport=websocket&sid="+data.SID), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("2probe")))
	assert.Equal(t, "3probe", readText(t, conn))

	// the pending poll is released with a noop
	_, body := get(t, pollURL)
	assert.Equal(t, "6", body)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("5")))
	require.Eventually(t, func() bool {
		return session.Transport() == TransportWebSocket
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("4after upgrade")))
	assert.Equal(t, message{data: "after upgrade"}, <-messages)

	require.NoError(t, session.Send(&Packet{Type: PacketTypeMessage, Data: []byte("down")}))
	assert.Equal(t, "4down", readText(t, conn))

	// polling is no longer accepted for this session
	status, _ := get(t, pollURL)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPingTimeoutClosesSession(t *testing.T) {
	_, ts, sessions, _ := newTestServer(t, &Config{PingInterval: 50, PingTimeout: 50})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "EIO=4&transport=websocket"), nil)
	require.NoError(t, err)
	defer conn.Close()

	session := <-sessions
	reasons := make(chan string, 1)
	session.OnClose(func(reason string) { reasons <- reason })

	readText(t, conn) // open
	assert.Equal(t, "2", readText(t, conn))

	select {
	case reason := <-reasons:
		assert.Equal(t, ReasonPingTimeout, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
	}
}

func TestPongKeepsSessionAlive(t *testing.T) {
	server, ts, sessions, _ := newTestServer(t, &Config{PingInterval: 50, PingTimeout: 100})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "EIO=4&transport=websocket"), nil)
	require.NoError(t, err)
	defer conn.Close()

	session := <-sessions
	readText(t, conn) // open

	for i := 0; i < 3; i++ {
		assert.Equal(t, "2", readText(t, conn))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("3")))
	}

	_, ok := server.GetSession(session.ID())
	assert.True(t, ok)
}

func TestMessageHandlerPanicClosesSession(t *testing.T) {
	server, ts, sessions, _ := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "EIO=4&transport=websocket"), nil)
	require.NoError(t, err)
	defer conn.Close()

	session := <-sessions
	reasons := make(chan string, 1)
	session.OnClose(func(reason string) { reasons <- reason })
	session.OnMessage(func([]byte, bool) { panic("boom") })

	readText(t, conn) // open
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("4boom")))

	select {
	case reason := <-reasons:
		assert.Equal(t, ReasonParseError, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
	}

	_, ok := server.GetSession(session.ID())
	assert.False(t, ok)
}
