package gosocketio

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidNamespace   = errors.New("invalid namespace")
	ErrInvalidPacket      = errors.New("invalid packet")
	ErrReservedEvent      = errors.New("reserved event name")
	ErrAckTimeout         = errors.New("operation has timed out")
	ErrSocketDisconnected = errors.New("socket disconnected")
)

// ConnectError rejects a connection attempt from a namespace middleware. The
// message and data are delivered to the client in a CONNECT_ERROR packet.
type ConnectError struct {
	Message string
	Data    interface{}
}

// NewConnectError creates a ConnectError carrying an arbitrary payload
func NewConnectError(message string, data interface{}) *ConnectError {
	return &ConnectError{Message: message, Data: data}
}

func (e *ConnectError) Error() string {
	if e.Data == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Data)
}

// payload is the body of the CONNECT_ERROR packet.
func (e *ConnectError) payload() map[string]interface{} {
	p := map[string]interface{}{"message": e.Message}
	if e.Data != nil {
		p["data"] = e.Data
	}
	return p
}

func connectErrorFrom(err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectError{Message: err.Error()}
}
