package gosocketio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PacketType represents Socket.IO packet types
type PacketType int

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeConnectError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// MaxAttachments bounds the binary attachments a single packet may announce.
const MaxAttachments = 1000

// Packet represents a Socket.IO packet
type Packet struct {
	Type        PacketType
	Namespace   string
	Data        interface{}
	ID          *int
	Attachments int
}

// Encode encodes a Socket.IO packet. Byte slices found in Data are replaced by
// placeholders and returned as attachments, turning EVENT and ACK packets into
// their binary variants.
func (p *Packet) Encode() (string, [][]byte, error) {
	var attachments [][]byte
	data := p.Data
	if data != nil {
		data = deconstruct(data, &attachments)
	}

	packetType := p.Type
	if len(attachments) > 0 {
		switch packetType {
		case PacketTypeEvent:
			packetType = PacketTypeBinaryEvent
		case PacketTypeAck:
			packetType = PacketTypeBinaryAck
		}
	}

	var builder strings.Builder

	// Packet type
	builder.WriteString(strconv.Itoa(int(packetType)))

	// Attachment count
	if packetType == PacketTypeBinaryEvent || packetType == PacketTypeBinaryAck {
		builder.WriteString(strconv.Itoa(len(attachments)))
		builder.WriteByte('-')
	}

	// Namespace (if not default)
	if p.Namespace != "" && p.Namespace != "/" {
		builder.WriteString(p.Namespace)
		builder.WriteByte(',')
	}

	// Ack ID
	if p.ID != nil {
		builder.WriteString(strconv.Itoa(*p.ID))
	}

	// Data
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal packet data: %w", err)
		}
		builder.Write(jsonData)
	}

	return builder.String(), attachments, nil
}

// DecodePacket decodes a Socket.IO packet from string. Binary packets come back
// with placeholders still in Data and Attachments set; see decoder.
func DecodePacket(data string) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	}

	packet := &Packet{
		Namespace: "/",
	}

	pos := 0

	// Parse packet type
	if data[pos] < '0' || data[pos] > '6' {
		return nil, fmt.Errorf("%w: invalid packet type: %c", ErrInvalidPacket, data[pos])
	}
	packet.Type = PacketType(data[pos] - '0')
	pos++

	// Parse attachment count
	if packet.Type == PacketTypeBinaryEvent || packet.Type == PacketTypeBinaryAck {
		end := strings.IndexByte(data[pos:], '-')
		if end <= 0 {
			return nil, fmt.Errorf("%w: missing attachment count", ErrInvalidPacket)
		}
		n, err := strconv.Atoi(data[pos : pos+end])
		if err != nil || n < 0 || n > MaxAttachments {
			return nil, fmt.Errorf("%w: invalid attachment count", ErrInvalidPacket)
		}
		packet.Attachments = n
		pos += end + 1
	}

	// Parse namespace
	if pos < len(data) && data[pos] == '/' {
		end := strings.IndexByte(data[pos:], ',')
		if end == -1 {
			packet.Namespace = data[pos:]
			pos = len(data)
		} else {
			packet.Namespace = data[pos : pos+end]
			pos += end + 1
		}
	}

	// Parse ack ID
	if pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		end := pos
		for end < len(data) && data[end] >= '0' && data[end] <= '9' {
			end++
		}
		id, err := strconv.Atoi(data[pos:end])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ack id", ErrInvalidPacket)
		}
		packet.ID = &id
		pos = end
	}

	// Parse data
	if pos < len(data) {
		decoder := json.NewDecoder(strings.NewReader(data[pos:]))
		decoder.UseNumber()
		if err := decoder.Decode(&packet.Data); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal packet data: %v", ErrInvalidPacket, err)
		}
		if decoder.More() {
			return nil, fmt.Errorf("%w: trailing data", ErrInvalidPacket)
		}
	}

	if !packet.validPayload() {
		return nil, fmt.Errorf("%w: invalid payload for %s packet", ErrInvalidPacket, packet.Type)
	}

	return packet, nil
}

func (p *Packet) validPayload() bool {
	switch p.Type {
	case PacketTypeConnect:
		if p.Data == nil {
			return true
		}
		_, ok := p.Data.(map[string]interface{})
		return ok
	case PacketTypeDisconnect:
		return p.Data == nil
	case PacketTypeConnectError:
		switch p.Data.(type) {
		case string, map[string]interface{}:
			return true
		}
		return false
	case PacketTypeEvent, PacketTypeBinaryEvent:
		args, ok := p.Data.([]interface{})
		if !ok || len(args) == 0 {
			return false
		}
		_, ok = args[0].(string)
		return ok
	case PacketTypeAck, PacketTypeBinaryAck:
		_, ok := p.Data.([]interface{})
		return ok && p.ID != nil
	default:
		return false
	}
}

// String returns the packet type as a string
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeConnectError:
		return "connect_error"
	case PacketTypeBinaryEvent:
		return "binary_event"
	case PacketTypeBinaryAck:
		return "binary_ack"
	default:
		return "unknown"
	}
}
