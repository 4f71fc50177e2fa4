package net

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/acharapko/flease/lease"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec encodes and decodes messages on a stream. Encode takes a value or a
// pointer to an interface holding it; Decode takes a pointer to interface.
type Codec interface {
	Scheme() string
	Encode(m interface{}) error
	Decode(m interface{}) error
}

// ErrCodec is returned for values a codec cannot carry
var ErrCodec = errors.New("codec error")

var (
	typesMu sync.RWMutex
	types   = make(map[string]reflect.Type)
)

// Register makes the concrete type of v known to every codec
func Register(v interface{}) {
	gob.Register(v)
	t := reflect.TypeOf(v)
	typesMu.Lock()
	types[t.String()] = t
	typesMu.Unlock()
}

func lookupType(name string) (reflect.Type, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	t, ok := types[name]
	return t, ok
}

// NewCodec creates the codec named scheme over rw
func NewCodec(scheme string, rw io.ReadWriter) Codec {
	switch scheme {
	case "gob":
		return &gobCodec{enc: gob.NewEncoder(rw), dec: gob.NewDecoder(rw)}
	case "json":
		return &jsonCodec{enc: json.NewEncoder(rw), dec: json.NewDecoder(rw)}
	case "proto":
		return &protoCodec{w: rw, r: bufio.NewReader(rw)}
	default:
		panic("unknown codec " + scheme)
	}
}

type syncCodec struct {
	mu sync.Mutex
	Codec
}

func (c *syncCodec) Encode(m interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Codec.Encode(m)
}

func unwrap(m interface{}) interface{} {
	if p, ok := m.(*interface{}); ok {
		return *p
	}
	return m
}

/******************************
/*            gob             *
/******************************/
type gobCodec struct {
	enc *gob.Encoder
	dec *gob.Decoder
}

func (c *gobCodec) Scheme() string { return "gob" }

func (c *gobCodec) Encode(m interface{}) error {
	if _, ok := m.(*interface{}); !ok {
		v := m
		return c.enc.Encode(&v)
	}
	return c.enc.Encode(m)
}

func (c *gobCodec) Decode(m interface{}) error {
	return c.dec.Decode(m)
}

/******************************
/*            json            *
/******************************/
type jsonCodec struct {
	enc *json.Encoder
	dec *json.Decoder
}

// jsonEnvelope names the payload type so it can be rebuilt on decode.
// Wrapped marks a ProtocolMsg around the payload.
type jsonEnvelope struct {
	Type    string          `json:"type"`
	Wrapped bool            `json:"wrapped,omitempty"`
	HlcTime int64           `json:"hlc,omitempty"`
	MsgId   int64           `json:"msgid,omitempty"`
	Msg     json.RawMessage `json:"msg"`
}

func (c *jsonCodec) Scheme() string { return "json" }

func (c *jsonCodec) Encode(m interface{}) error {
	v := unwrap(m)
	env := jsonEnvelope{}
	if pm, ok := v.(ProtocolMsg); ok {
		env.Wrapped, env.HlcTime, env.MsgId = true, pm.HlcTime, pm.MsgId
		v = pm.Msg
	}
	t := reflect.TypeOf(v)
	if t == nil {
		return fmt.Errorf("%w: cannot encode nil", ErrCodec)
	}
	if _, ok := lookupType(t.String()); !ok {
		return fmt.Errorf("%w: type %s not registered", ErrCodec, t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	env.Type, env.Msg = t.String(), raw
	return c.enc.Encode(&env)
}

func (c *jsonCodec) Decode(m interface{}) error {
	p, ok := m.(*interface{})
	if !ok {
		return fmt.Errorf("%w: json decode needs *interface{}, got %T", ErrCodec, m)
	}
	var env jsonEnvelope
	if err := c.dec.Decode(&env); err != nil {
		return err
	}
	t, ok := lookupType(env.Type)
	if !ok {
		return fmt.Errorf("%w: unknown type %s", ErrCodec, env.Type)
	}
	v := reflect.New(t)
	if err := json.Unmarshal(env.Msg, v.Interface()); err != nil {
		return err
	}
	if env.Wrapped {
		*p = ProtocolMsg{HlcTime: env.HlcTime, MsgId: env.MsgId, Msg: v.Elem().Interface()}
	} else {
		*p = v.Elem().Interface()
	}
	return nil
}

/******************************
/*           proto            *
/******************************/

// protoCodec carries lease messages only, as varint length prefixed frames.
// A frame is a ProtocolMsg: hlc=1, msgid=2, message=3.
type protoCodec struct {
	w io.Writer
	r *bufio.Reader
}

const (
	frameHlc     protowire.Number = 1
	frameMsgId   protowire.Number = 2
	frameMessage protowire.Number = 3

	maxFrame = 1 << 20
)

func (c *protoCodec) Scheme() string { return "proto" }

func (c *protoCodec) Encode(m interface{}) error {
	v := unwrap(m)
	pm, ok := v.(ProtocolMsg)
	if !ok {
		pm = ProtocolMsg{Msg: v}
	}
	var msg *lease.Message
	switch lm := pm.Msg.(type) {
	case lease.Message:
		msg = &lm
	case *lease.Message:
		msg = lm
	default:
		return fmt.Errorf("%w: proto codec cannot carry %T", ErrCodec, pm.Msg)
	}
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	var frame []byte
	if pm.HlcTime != 0 {
		frame = protowire.AppendTag(frame, frameHlc, protowire.VarintType)
		frame = protowire.AppendVarint(frame, uint64(pm.HlcTime))
	}
	if pm.MsgId != 0 {
		frame = protowire.AppendTag(frame, frameMsgId, protowire.VarintType)
		frame = protowire.AppendVarint(frame, uint64(pm.MsgId))
	}
	frame = protowire.AppendTag(frame, frameMessage, protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)

	out := protowire.AppendVarint(make([]byte, 0, len(frame)+binary.MaxVarintLen32), uint64(len(frame)))
	_, err = c.w.Write(append(out, frame...))
	return err
}

func (c *protoCodec) Decode(m interface{}) error {
	p, ok := m.(*interface{})
	if !ok {
		return fmt.Errorf("%w: proto decode needs *interface{}, got %T", ErrCodec, m)
	}
	n, err := binary.ReadUvarint(c.r)
	if err != nil {
		return err
	}
	if n > maxFrame {
		return fmt.Errorf("%w: frame of %d bytes", ErrCodec, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return err
	}

	var pm ProtocolMsg
	var msg lease.Message
	found := false
	for len(frame) > 0 {
		num, typ, tl := protowire.ConsumeTag(frame)
		if tl < 0 {
			return fmt.Errorf("%w: %v", ErrCodec, protowire.ParseError(tl))
		}
		frame = frame[tl:]
		var l int
		switch {
		case num == frameHlc && typ == protowire.VarintType:
			var v uint64
			v, l = protowire.ConsumeVarint(frame)
			pm.HlcTime = int64(v)
		case num == frameMsgId && typ == protowire.VarintType:
			var v uint64
			v, l = protowire.ConsumeVarint(frame)
			pm.MsgId = int64(v)
		case num == frameMessage && typ == protowire.BytesType:
			var b []byte
			b, l = protowire.ConsumeBytes(frame)
			if l >= 0 {
				if err := msg.UnmarshalBinary(b); err != nil {
					return err
				}
				found = true
			}
		default:
			l = protowire.ConsumeFieldValue(num, typ, frame)
		}
		if l < 0 {
			return fmt.Errorf("%w: %v", ErrCodec, protowire.ParseError(l))
		}
		frame = frame[l:]
	}
	if !found {
		return fmt.Errorf("%w: frame without message", ErrCodec)
	}
	pm.Msg = msg
	*p = pm
	return nil
}
