// Package ssm implements the wire codec for the bus protocol: a
// length-prefixed, typed key/value message format.
//
// A frame consists of a big-endian uint32 total length (including itself),
// an options byte (always 0, reserved for future map/list distinction), a
// message id, and zero or more typed key/value pairs:
//
//	uint32_be  total_length
//	uint8      options        // 0 = key-value map
//	uint8      mid_len
//	bytes      message_id[mid_len]
//	repeat until end-of-frame:
//	  uint8    key_len        // 1..255
//	  bytes    key[key_len]
//	  uint8    value_type     // 0=Binary 1=String 2=Uint
//	  uint24_be value_len
//	  bytes    value[value_len]
package ssm

import (
	"encoding/binary"
	"fmt"
)

// ValueType identifies the wire representation of an argument value.
type ValueType uint8

const (
	Binary ValueType = 0
	String ValueType = 1
	Uint   ValueType = 2
)

func (t ValueType) String() string {
	switch t {
	case Binary:
		return "BINARY"
	case String:
		return "STRING"
	case Uint:
		return "UINT"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(t))
	}
}

// Value is a single typed argument value. Exactly one of the fields is
// meaningful, as determined by Type.
type Value struct {
	Type ValueType
	Str  string
	Bin  []byte
	U32  uint32
}

// Str returns a STRING value.
func Str(s string) Value { return Value{Type: String, Str: s} }

// Bytes returns a BINARY value.
func Bytes(b []byte) Value { return Value{Type: Binary, Bin: b} }

// UintValue returns a UINT value.
func UintValue(u uint32) Value { return Value{Type: Uint, U32: u} }

// Interface returns the Go-native representation of the value: string,
// []byte, or uint32.
func (v Value) Interface() any {
	switch v.Type {
	case String:
		return v.Str
	case Binary:
		return v.Bin
	case Uint:
		return v.U32
	default:
		return nil
	}
}

// Args is the key/value payload of a message.
type Args map[string]Value

// Message is a single parsed frame: a message id and its argument map.
type Message struct {
	ID   string
	Args Args
}

const (
	maxIDLen  = 255
	maxKeyLen = 255
	maxU24    = 1<<24 - 1

	headerFixedLen = 4 + 1 + 1 // total_length + options + mid_len
)

// Reserved argument keys understood by the router.
const (
	KeyTo   = "TO"
	KeyFrom = "FROM"
	KeySeq  = "SEQ"
	KeyIry  = "IRY"
)

// Set stores v under key after converting it to the appropriate wire type:
// strings become STRING, []byte becomes BINARY, any integer type or bool
// becomes UINT, and anything else is rendered with fmt.Sprint and stored as
// STRING.
func (a Args) Set(key string, v any) Args {
	a[key] = toValue(v)
	return a
}

func toValue(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case string:
		return Str(x)
	case []byte:
		return Bytes(x)
	case uint32:
		return UintValue(x)
	case int:
		return UintValue(uint32(x))
	case uint:
		return UintValue(uint32(x))
	case int8:
		return UintValue(uint32(x))
	case int16:
		return UintValue(uint32(x))
	case int32:
		return UintValue(uint32(x))
	case int64:
		return UintValue(uint32(x))
	case uint8:
		return UintValue(uint32(x))
	case uint16:
		return UintValue(uint32(x))
	case uint64:
		return UintValue(uint32(x))
	case bool:
		if x {
			return UintValue(1)
		}
		return UintValue(0)
	default:
		return Str(fmt.Sprint(x))
	}
}

// NewArgs builds an Args map from alternating key/value pairs, using the
// same conversion rules as Set.
func NewArgs(kv ...any) Args {
	a := make(Args, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		a.Set(k, kv[i+1])
	}
	return a
}

// GetString returns the string value for key, converting a BINARY value via
// UTF-8 decode and a UINT value via decimal formatting.
func (a Args) GetString(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	switch v.Type {
	case String:
		return v.Str, true
	case Binary:
		return string(v.Bin), true
	case Uint:
		return fmt.Sprint(v.U32), true
	}
	return "", false
}

// GetUint returns the uint32 value for key if present and of type UINT.
func (a Args) GetUint(key string) (uint32, bool) {
	v, ok := a[key]
	if !ok || v.Type != Uint {
		return 0, false
	}
	return v.U32, true
}

// Serialize encodes id and args as a complete SSM frame.
func Serialize(id string, args Args) ([]byte, error) {
	if len(id) > maxIDLen {
		return nil, fmt.Errorf("ssm: message_id too long (%d > %d)", len(id), maxIDLen)
	}

	buf := make([]byte, headerFixedLen, headerFixedLen+len(id)+32)
	buf[4] = 0 // options
	buf[5] = byte(len(id))
	buf = append(buf, id...)

	for k, v := range args {
		if len(k) == 0 || len(k) > maxKeyLen {
			return nil, fmt.Errorf("ssm: key %q has invalid length", k)
		}
		var vb []byte
		switch v.Type {
		case Binary:
			vb = v.Bin
		case String:
			vb = []byte(v.Str)
		case Uint:
			vb = make([]byte, 4)
			binary.BigEndian.PutUint32(vb, v.U32)
		default:
			return nil, fmt.Errorf("ssm: key %q has unknown value type %d", k, v.Type)
		}
		if len(vb) > maxU24 {
			return nil, fmt.Errorf("ssm: key %q value too long (%d > %d)", k, len(vb), maxU24)
		}

		buf = append(buf, byte(len(k)))
		buf = append(buf, k...)
		buf = append(buf, byte(v.Type))
		buf = append(buf, byte(len(vb)>>16), byte(len(vb)>>8), byte(len(vb)))
		buf = append(buf, vb...)
	}

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf, nil
}

// Deserialize parses a single complete SSM frame. buf must contain exactly
// one frame, with total_length equal to len(buf).
func Deserialize(buf []byte) (Message, error) {
	id, args, n, err := parseFrame(buf)
	if err != nil {
		return Message{}, err
	}
	if n != len(buf) {
		return Message{}, fmt.Errorf("ssm: trailing data after frame (%d bytes)", len(buf)-n)
	}
	return Message{ID: id, Args: args}, nil
}

// parseFrame parses a frame occupying buf[:total_length] and returns the
// number of bytes consumed (== total_length on success).
func parseFrame(buf []byte) (id string, args Args, n int, err error) {
	if len(buf) < headerFixedLen {
		return "", nil, 0, fmt.Errorf("ssm: frame too short")
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	if total < headerFixedLen || total > len(buf) {
		return "", nil, 0, fmt.Errorf("ssm: invalid total_length %d", total)
	}
	options := buf[4]
	if options != 0 {
		return "", nil, 0, fmt.Errorf("ssm: unsupported options byte %d", options)
	}
	midLen := int(buf[5])
	off := headerFixedLen
	if off+midLen > total {
		return "", nil, 0, fmt.Errorf("ssm: message_id overruns frame")
	}
	id = string(buf[off : off+midLen])
	off += midLen

	args = Args{}
	for off < total {
		if off+1 > total {
			return "", nil, 0, fmt.Errorf("ssm: truncated key length")
		}
		keyLen := int(buf[off])
		off++
		if keyLen == 0 {
			return "", nil, 0, fmt.Errorf("ssm: zero-length key")
		}
		if off+keyLen > total {
			return "", nil, 0, fmt.Errorf("ssm: key overruns frame")
		}
		key := string(buf[off : off+keyLen])
		off += keyLen

		if off+4 > total {
			return "", nil, 0, fmt.Errorf("ssm: truncated value header")
		}
		valType := ValueType(buf[off])
		valLen := int(buf[off+1])<<16 | int(buf[off+2])<<8 | int(buf[off+3])
		off += 4
		if off+valLen > total {
			return "", nil, 0, fmt.Errorf("ssm: value overruns frame")
		}
		valData := buf[off : off+valLen]
		off += valLen

		var v Value
		switch valType {
		case Binary:
			v = Value{Type: Binary, Bin: append([]byte(nil), valData...)}
		case String:
			v = Value{Type: String, Str: string(valData)}
		case Uint:
			if valLen != 4 {
				return "", nil, 0, fmt.Errorf("ssm: key %q: UINT value length %d != 4", key, valLen)
			}
			v = Value{Type: Uint, U32: binary.BigEndian.Uint32(valData)}
		default:
			return "", nil, 0, fmt.Errorf("ssm: key %q: unknown value type %d", key, valType)
		}
		args[key] = v
	}
	return id, args, total, nil
}

// Parser incrementally reassembles frames from a byte stream, handling
// frames split across reads and multiple frames delivered in one read.
type Parser struct {
	buf []byte
}

// Feed appends newly-read bytes to the parser's buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next attempts to extract one complete frame from the buffer. It returns
// ok=false if more data is needed. A non-nil error means the buffered data
// forms an invalid frame; the caller must treat this as fatal for the
// connection (the parser's internal state is not usable afterwards).
func (p *Parser) Next() (msg Message, ok bool, err error) {
	if len(p.buf) < 4 {
		return Message{}, false, nil
	}
	total := int(binary.BigEndian.Uint32(p.buf[0:4]))
	if total < headerFixedLen {
		return Message{}, false, fmt.Errorf("ssm: invalid total_length %d", total)
	}
	if len(p.buf) < total {
		return Message{}, false, nil
	}

	id, args, n, err := parseFrame(p.buf[:total])
	if err != nil {
		return Message{}, false, err
	}

	p.buf = append(p.buf[:0:0], p.buf[n:]...)
	return Message{ID: id, Args: args}, true, nil
}

// Buffered returns the number of bytes currently held that haven't yet
// formed a complete frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}
