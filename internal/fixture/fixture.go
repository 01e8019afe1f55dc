// Package fixture registers the namespaces and events that Socket.IO client
// conformance suites exercise.
package fixture

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	sio "github.com/ramory-l/siofixture"
)

// EchoHeader is copied from the request to the response during handshakes.
const EchoHeader = "X-SocketIO"

// BufferTestDelay is how long startBufferTest waits before emitting, long
// enough for a client to drop its connection in between.
const BufferTestDelay = 1500 * time.Millisecond

// Register installs the full conformance vocabulary. nsp is the namespace the
// default handlers are bound to, "/" unless overridden on the command line.
func Register(server *sio.Server, nsp string, log zerolog.Logger) {
	registerHeaderEcho(server)
	registerFoo(server.Of("/foo"))

	for _, name := range []string{"/timeout_socket", "/valid", "/asd"} {
		server.Of(name).OnConnect(func(*sio.Socket) {})
	}

	server.Of("/abc").OnConnect(func(socket *sio.Socket) {
		socket.Emit("handshake", socket.Handshake().Map())
	})

	server.Of("/no").Use(func(*sio.Socket) error {
		return sio.NewConnectError("auth failed", map[string]interface{}{"a": "b", "c": 3})
	})

	server.Of(nsp).OnConnect(func(socket *sio.Socket) {
		registerMain(server, socket, log)
	})
}

// RegisterNoRecovery installs the minimal handlers of the server variant that
// runs without connection state recovery.
func RegisterNoRecovery(server *sio.Server, nsp string, log zerolog.Logger) {
	server.Of(nsp).OnConnect(func(socket *sio.Socket) {
		log.Info().Str("sid", socket.ID()).Msg("new connection")
		socket.OnDisconnect(func(reason string) {
			log.Info().Str("sid", socket.ID()).Str("reason", reason).Msg("client disconnected")
		})
	})
}

func registerHeaderEcho(server *sio.Server) {
	echo := func(r *http.Request, header http.Header) {
		if value := r.Header.Get(EchoHeader); value != "" {
			header.Set(EchoHeader, value)
		}
	}
	server.OnRequest(echo)
	server.OnUpgrade(echo)
}

func registerFoo(foo *sio.Namespace) {
	foo.OnConnect(func(socket *sio.Socket) {
		socket.On("broadcast", func(args ...interface{}) {
			args, _, _ = sio.SplitAck(args)
			foo.Emit("broadcastBack", args...)
		})

		socket.On("room", func(args ...interface{}) {
			foo.To(socket.ID()).Emit("roomBack", first(args))
		})
	})
}

func registerMain(server *sio.Server, socket *sio.Socket, log zerolog.Logger) {
	socket.Send("hello client")

	socket.On("message", func(args ...interface{}) {
		reply(socket, "message", args)
	})

	socket.On("echo", func(args ...interface{}) {
		reply(socket, "echoBack", args)
	})

	socket.On("ack", func(args ...interface{}) {
		args, ack, ok := sio.SplitAck(args)
		if ok {
			ack(args...)
		}
	})

	socket.On("callAck", func(args ...interface{}) {
		socket.EmitWithAck("ack", func(res ...interface{}) {
			socket.Emit("ackBack", res...)
		})
	})

	socket.On("callAckBinary", func(args ...interface{}) {
		socket.EmitWithAck("ack", func(res ...interface{}) {
			socket.Emit("ackBack", first(res))
		})
	})

	socket.On("getAckBinary", func(args ...interface{}) {
		if _, ack, ok := sio.SplitAck(args); ok {
			ack([]byte("huehue"))
		}
	})

	socket.On("getAckDate", func(args ...interface{}) {
		if _, ack, ok := sio.SplitAck(args); ok {
			ack(time.Now())
		}
	})

	socket.On("broadcast", func(args ...interface{}) {
		args, _, _ = sio.SplitAck(args)
		server.Emit("broadcastBack", args...)
	})

	socket.On("room", func(args ...interface{}) {
		socket.Namespace().To(socket.ID()).Emit("roomBack", first(args))
	})

	socket.On("requestDisconnect", func(args ...interface{}) {
		socket.Disconnect()
	})

	socket.On("getHandshake", func(args ...interface{}) {
		if _, ack, ok := sio.SplitAck(args); ok {
			ack(socket.Handshake().Map())
		}
	})

	socket.On("startBufferTest", func(args ...interface{}) {
		log.Info().Str("sid", socket.ID()).Msg("starting buffer test scenario")
		time.AfterFunc(BufferTestDelay, func() {
			log.Info().Str("sid", socket.ID()).Msg("sending buffered message")
			socket.Emit("message", map[string]interface{}{"text": "buffered-message"})
		})
	})

	// lifecycle listeners survive recovery, register them once
	if socket.Recovered() {
		return
	}
	socket.OnDisconnect(func(reason string) {
		log.Info().Str("sid", socket.ID()).Str("reason", reason).Msg("disconnect")
	})
	socket.OnError(func(err error) {
		log.Warn().Str("sid", socket.ID()).Err(err).Msg("error")
	})
}

// reply re-emits args under event. A trailing client callback is chained so
// the client's answer to the re-emitted event flows back to it.
func reply(socket *sio.Socket, event string, args []interface{}) {
	args, ack, ok := sio.SplitAck(args)
	if !ok {
		socket.Emit(event, args...)
		return
	}
	socket.EmitWithAck(event, func(res ...interface{}) {
		ack(res...)
	}, args...)
}

func first(args []interface{}) interface{} {
	args, _, _ = sio.SplitAck(args)
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
