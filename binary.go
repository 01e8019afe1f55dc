package gosocketio

import (
	"encoding/json"
	"fmt"
	"time"
)

// dateLayout matches the output of JavaScript's Date.prototype.toJSON.
const dateLayout = "2006-01-02T15:04:05.000Z"

// deconstruct walks a value tree and replaces binary leaves with placeholder
// objects, appending the raw bytes to buffers. Times are normalised to the
// JavaScript date representation. The input is never modified.
func deconstruct(v interface{}, buffers *[][]byte) interface{} {
	switch val := v.(type) {
	case []byte:
		placeholder := map[string]interface{}{
			"_placeholder": true,
			"num":          len(*buffers),
		}
		*buffers = append(*buffers, val)
		return placeholder
	case json.RawMessage:
		return val
	case time.Time:
		return val.UTC().Format(dateLayout)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(dateLayout)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deconstruct(item, buffers)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deconstruct(item, buffers)
		}
		return out
	default:
		return v
	}
}

// reconstruct replaces placeholder objects with the matching attachment.
func reconstruct(v interface{}, buffers [][]byte) (interface{}, error) {
	switch val := v.(type) {
	case []interface{}:
		for i, item := range val {
			restored, err := reconstruct(item, buffers)
			if err != nil {
				return nil, err
			}
			val[i] = restored
		}
		return val, nil
	case map[string]interface{}:
		if isPlaceholder(val) {
			num, err := placeholderNum(val["num"])
			if err != nil {
				return nil, err
			}
			if num < 0 || num >= len(buffers) {
				return nil, fmt.Errorf("%w: attachment %d out of range", ErrInvalidPacket, num)
			}
			return buffers[num], nil
		}
		for k, item := range val {
			restored, err := reconstruct(item, buffers)
			if err != nil {
				return nil, err
			}
			val[k] = restored
		}
		return val, nil
	default:
		return v, nil
	}
}

func isPlaceholder(m map[string]interface{}) bool {
	flag, ok := m["_placeholder"].(bool)
	return ok && flag
}

func placeholderNum(v interface{}) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: bad placeholder index", ErrInvalidPacket)
		}
		return int(i), nil
	case float64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("%w: bad placeholder index", ErrInvalidPacket)
}

// decoder reassembles binary packets from a header and the frames that follow.
// One decoder serves one Engine.IO connection and is not goroutine-safe.
type decoder struct {
	pending *Packet
	buffers [][]byte
}

// add feeds one Engine.IO message. It returns a complete packet, or nil while
// attachments are still outstanding.
func (d *decoder) add(data []byte, binary bool) (*Packet, error) {
	if binary {
		if d.pending == nil {
			return nil, fmt.Errorf("%w: unexpected binary attachment", ErrInvalidPacket)
		}
		d.buffers = append(d.buffers, data)
		if len(d.buffers) < d.pending.Attachments {
			return nil, nil
		}
		return d.finish()
	}

	if d.pending != nil {
		d.reset()
		return nil, fmt.Errorf("%w: text frame while reconstructing binary packet", ErrInvalidPacket)
	}

	packet, err := DecodePacket(string(data))
	if err != nil {
		return nil, err
	}

	if packet.Type != PacketTypeBinaryEvent && packet.Type != PacketTypeBinaryAck {
		return packet, nil
	}
	if packet.Attachments == 0 {
		return d.restore(packet, nil)
	}

	d.pending = packet
	d.buffers = nil
	return nil, nil
}

func (d *decoder) finish() (*Packet, error) {
	packet, buffers := d.pending, d.buffers
	d.reset()
	return d.restore(packet, buffers)
}

func (d *decoder) restore(packet *Packet, buffers [][]byte) (*Packet, error) {
	data, err := reconstruct(packet.Data, buffers)
	if err != nil {
		return nil, err
	}
	packet.Data = data
	switch packet.Type {
	case PacketTypeBinaryEvent:
		packet.Type = PacketTypeEvent
	case PacketTypeBinaryAck:
		packet.Type = PacketTypeAck
	}
	return packet, nil
}

func (d *decoder) reset() {
	d.pending = nil
	d.buffers = nil
}
