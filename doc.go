// Package gosocketio provides a Socket.IO v4 server built to back client
// conformance suites.
//
// The server speaks the Socket.IO v5 protocol over Engine.IO v4, with HTTP
// long-polling that upgrades to WebSocket or WebSocket on its own. Besides
// namespaces, rooms, acknowledgments and binary attachments it implements
// connection state recovery: a client that loses its transport may come back
// within a bounded window, keep its socket ID and receive every event that was
// emitted to it in the meantime.
//
// # Quick Start
//
//	server := gosocketio.NewServer(nil)
//
//	server.OnConnect(func(socket *gosocketio.Socket) {
//	    socket.On("echo", func(args ...interface{}) {
//	        socket.Emit("echoBack", args...)
//	    })
//	})
//
//	http.Handle("/socket.io/", server)
//	http.ListenAndServe(":3000", nil)
//
// # Namespaces and middleware
//
// Namespaces are created on first use with Of. Middleware runs in order before
// a socket is admitted; returning a *ConnectError rejects the client with a
// structured payload.
//
//	server.Of("/admin").Use(func(socket *gosocketio.Socket) error {
//	    if socket.Handshake().Auth["token"] == nil {
//	        return gosocketio.NewConnectError("unauthorized", map[string]interface{}{"code": 401})
//	    }
//	    return nil
//	})
//
// # Acknowledgments
//
// When the client asks for an acknowledgment the last handler argument is a
// callback. SplitAck separates it; calling it more than once has no effect.
//
//	socket.On("ping", func(args ...interface{}) {
//	    if _, ack, ok := gosocketio.SplitAck(args); ok {
//	        ack("pong")
//	    }
//	})
//
// The server can ask for acknowledgments too, optionally with a timeout:
//
//	socket.EmitWithAckTimeout("question", 5*time.Second, func(err error, answer ...interface{}) {
//	    if errors.Is(err, gosocketio.ErrAckTimeout) {
//	        return
//	    }
//	}, "What's your name?")
//
// # Binary data and dates
//
// []byte values anywhere inside slices and maps travel as binary attachments
// and arrive as []byte. time.Time values are sent in the JavaScript Date JSON
// form.
//
// # Connection state recovery
//
//	server := gosocketio.NewServer(&gosocketio.Config{
//	    Recovery: gosocketio.DefaultRecoveryConfig(),
//	})
//
// A disconnected socket stays in its namespace and rooms for
// MaxDisconnectionDuration. Events emitted to it are buffered and replayed in
// order when the client reconnects with its private session ID. After the
// window the session is discarded and a returning client gets a new ID.
//
// # Thread Safety
//
// All operations are goroutine-safe. Events of a socket are dispatched one at
// a time, in arrival order, on a goroutine owned by that socket.
package gosocketio
