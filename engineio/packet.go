package engineio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// PacketType represents Engine.IO packet types
type PacketType byte

const (
	PacketTypeOpen PacketType = iota
	PacketTypeClose
	PacketTypePing
	PacketTypePong
	PacketTypeMessage
	PacketTypeUpgrade
	PacketTypeNoop
)

// recordSeparator delimits packets inside a polling payload.
const recordSeparator = '\x1e'

// Packet represents an Engine.IO packet
type Packet struct {
	Type   PacketType
	Data   []byte
	Binary bool
}

// Encode encodes the packet for a text frame. Binary message packets are
// written as raw frames by the websocket transport and never pass through here.
func (p *Packet) Encode() []byte {
	result := make([]byte, 0, len(p.Data)+1)
	result = append(result, byte('0'+p.Type))
	result = append(result, p.Data...)
	return result
}

// DecodePacket decodes bytes into a packet
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty packet")
	}

	typeChar := data[0]
	if typeChar < '0' || typeChar > '6' {
		return nil, fmt.Errorf("invalid packet type: %c", typeChar)
	}

	packet := &Packet{
		Type: PacketType(typeChar - '0'),
	}

	if len(data) > 1 {
		packet.Data = data[1:]
	}

	return packet, nil
}

// EncodePayload joins packets into a polling response body. Binary messages are
// base64 encoded behind a 'b' marker.
func EncodePayload(packets []*Packet) []byte {
	var buf bytes.Buffer
	for i, packet := range packets {
		if i > 0 {
			buf.WriteByte(recordSeparator)
		}
		if packet.Binary {
			buf.WriteByte('b')
			buf.WriteString(base64.StdEncoding.EncodeToString(packet.Data))
			continue
		}
		buf.Write(packet.Encode())
	}
	return buf.Bytes()
}

// DecodePayload splits a polling request body into packets.
func DecodePayload(data []byte) ([]*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	chunks := bytes.Split(data, []byte{recordSeparator})
	packets := make([]*Packet, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk) > 0 && chunk[0] == 'b' {
			raw, err := base64.StdEncoding.DecodeString(string(chunk[1:]))
			if err != nil {
				return nil, fmt.Errorf("invalid binary packet: %w", err)
			}
			packets = append(packets, &Packet{Type: PacketTypeMessage, Data: raw, Binary: true})
			continue
		}
		packet, err := DecodePacket(chunk)
		if err != nil {
			return nil, err
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// HandshakeData represents the Engine.IO handshake response
type HandshakeData struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// EncodeHandshake creates an open packet with handshake data
func EncodeHandshake(sid string, upgrades []string, pingInterval, pingTimeout, maxPayload int) (*Packet, error) {
	if upgrades == nil {
		upgrades = []string{}
	}

	data := HandshakeData{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: pingInterval,
		PingTimeout:  pingTimeout,
		MaxPayload:   maxPayload,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Packet{
		Type: PacketTypeOpen,
		Data: jsonData,
	}, nil
}

// String returns the packet type as a string
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeOpen:
		return "open"
	case PacketTypeClose:
		return "close"
	case PacketTypePing:
		return "ping"
	case PacketTypePong:
		return "pong"
	case PacketTypeMessage:
		return "message"
	case PacketTypeUpgrade:
		return "upgrade"
	case PacketTypeNoop:
		return "noop"
	default:
		return "unknown(" + strconv.Itoa(int(pt)) + ")"
	}
}
