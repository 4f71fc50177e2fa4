package net

import (
	"bytes"
	"errors"
	"testing"

	"github.com/acharapko/flease/lease"
	"github.com/bmizerany/assert"
)

type A struct {
	I int
	S string
	B bool
}

type B struct {
	S string
}

func init() {
	Register(A{})
	Register(B{})
}

func testMessage() lease.Message {
	m := lease.NewRequest(lease.MsgAccept, "cell", lease.NewProposalNumber(3, "1.2"))
	m.LeaseHolder = "1.2"
	m.LeaseTimeout = 1700000015000
	m.ViewID = 4
	m.SendTimestamp = 1700000000000
	m.From = id2
	return *m
}

func TestCodecGob(t *testing.T) {
	var send interface{}
	var recv interface{}

	buf := new(bytes.Buffer)
	c := NewCodec("gob", buf)

	send = A{1, "a", true}
	assert.Equal(t, nil, c.Encode(&send))
	assert.Equal(t, nil, c.Decode(&recv))
	assert.Equal(t, send, recv)

	send = B{"test"}
	assert.Equal(t, nil, c.Encode(send))
	assert.Equal(t, nil, c.Decode(&recv))
	assert.Equal(t, send, recv)
}

func TestCodecsCarryProtocolMsg(t *testing.T) {
	for _, scheme := range []string{"gob", "json", "proto"} {
		buf := new(bytes.Buffer)
		c := NewCodec(scheme, buf)

		var send interface{} = ProtocolMsg{HlcTime: 42 << 16, MsgId: 7, Msg: testMessage()}
		var recv interface{}
		assert.Equalf(t, nil, c.Encode(&send), "%s", scheme)
		assert.Equalf(t, nil, c.Decode(&recv), "%s", scheme)
		assert.Equalf(t, send, recv, "%s", scheme)
	}
}

func TestCodecJSON(t *testing.T) {
	buf := new(bytes.Buffer)
	c := NewCodec("json", buf)

	var recv interface{}
	send := StateReply{Cells: []CellState{{CellID: "a", Learned: true, Lease: testMessage()}}}
	assert.Equal(t, nil, c.Encode(send))
	assert.Equal(t, nil, c.Decode(&recv))
	assert.Equal(t, send, recv)

	type unknown struct{ X int }
	err := c.Encode(unknown{1})
	assert.T(t, errors.Is(err, ErrCodec))
}

func TestCodecProtoRejectsOtherTypes(t *testing.T) {
	c := NewCodec("proto", new(bytes.Buffer))
	err := c.Encode(A{1, "a", true})
	assert.T(t, errors.Is(err, ErrCodec))
}

func TestCodecProtoStream(t *testing.T) {
	buf := new(bytes.Buffer)
	c := NewCodec("proto", buf)

	// a bare message comes back in an envelope
	first, second := testMessage(), testMessage()
	second.CellID = "other"
	assert.Equal(t, nil, c.Encode(first))
	assert.Equal(t, nil, c.Encode(ProtocolMsg{MsgId: 2, Msg: &second}))

	var recv interface{}
	assert.Equal(t, nil, c.Decode(&recv))
	assert.Equal(t, ProtocolMsg{Msg: first}, recv)
	assert.Equal(t, nil, c.Decode(&recv))
	assert.Equal(t, ProtocolMsg{MsgId: 2, Msg: second}, recv)
}

func TestCodecProtoTruncated(t *testing.T) {
	buf := new(bytes.Buffer)
	c := NewCodec("proto", buf)
	assert.Equal(t, nil, c.Encode(testMessage()))
	buf.Truncate(buf.Len() - 3)

	var recv interface{}
	assert.NotEqual(t, nil, c.Decode(&recv))
}
