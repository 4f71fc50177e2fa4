package net

import (
	"testing"
	"time"

	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
	"github.com/bmizerany/assert"
)

var id1 = idservice.NewIDFromString("1.1")
var id2 = idservice.NewIDFromString("1.2")

type MSG struct {
	I int
	S string
}

func init() {
	Register(MSG{})
}

func recvFrom(t *testing.T, c Communication) interface{} {
	ch := make(chan interface{}, 1)
	go func() { ch <- c.Recv() }()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func addresses(port1, port2 string) map[idservice.ID]string {
	return map[idservice.ID]string{
		id1: "tcp://127.0.0.1:" + port1,
		id2: "tcp://127.0.0.1:" + port2,
	}
}

func TestClientAddress(t *testing.T) {
	addr, err := ClientAddress("tcp://127.0.0.1:1736")
	assert.Equal(t, nil, err)
	assert.Equal(t, "tcp://127.0.0.1:2736", addr)

	addr, err = ClientAddress("127.0.0.1:1736")
	assert.Equal(t, nil, err)
	assert.Equal(t, "tcp://127.0.0.1:2736", addr)

	_, err = ClientAddress("127.0.0.1")
	assert.NotEqual(t, nil, err)
}

func TestCommunicatorServer(t *testing.T) {
	address := addresses("1736", "1737")

	sock2, err := NewCommunicator(id2, address)
	assert.Equal(t, nil, err)
	defer sock2.Close()

	sock1, err := NewCommunicator(id1, address)
	assert.Equal(t, nil, err)
	defer sock1.Close()

	assert.Equal(t, []idservice.ID{id1, id2}, sock1.GetKnownIDs())

	var send interface{} = MSG{42, "hello"}
	go sock1.Broadcast(send)
	assert.Equal(t, send, recvFrom(t, sock2))

	m := testMessage()
	go sock2.Send(id1, m)
	assert.Equal(t, m, recvFrom(t, sock1))
}

func TestCommunicatorClient(t *testing.T) {
	address := addresses("1738", "1739")

	server, err := NewCommunicator(id1, address)
	assert.Equal(t, nil, err)
	defer server.Close()

	client1 := NewClientCommunicator(address)
	defer client1.Close()
	client2 := NewClientCommunicator(address)
	defer client2.Close()

	go client1.Send(id1, LeaseQuery{CellID: "a"})
	cmw := recvFrom(t, server).(ClientMsgWrapper)
	assert.Equal(t, LeaseQuery{CellID: "a"}, cmw.Msg)
	cmw.Reply(LeaseReply{CellID: "a"})
	assert.Equal(t, LeaseReply{CellID: "a"}, recvFrom(t, client1))

	go client2.Send(id1, StateQuery{})
	cmw = recvFrom(t, server).(ClientMsgWrapper)
	assert.Equal(t, StateQuery{}, cmw.Msg)
	cmw.Reply(StateReply{})
	assert.Equal(t, StateReply{}, recvFrom(t, client2))
}

func TestCommunicatorDrop(t *testing.T) {
	address := addresses("1740", "1741")

	sock2, err := NewCommunicator(id2, address)
	assert.Equal(t, nil, err)
	defer sock2.Close()
	sock1, err := NewCommunicator(id1, address)
	assert.Equal(t, nil, err)
	defer sock1.Close()

	sock1.Drop(id2, 60)
	sock1.Send(id2, MSG{1, "dropped"})
	sock1.Crash(0)
	sock1.Send(id2, MSG{2, "crashed"})

	// the link still works the other way
	m := testMessage()
	m.Type = lease.MsgPrepare
	sock2.Send(id1, m)
	assert.Equal(t, m, recvFrom(t, sock1))

	select {
	case <-func() chan interface{} {
		ch := make(chan interface{}, 1)
		go func() { ch <- sock2.Recv() }()
		return ch
	}():
		t.Fatal("dropped message was delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCommunicatorClose(t *testing.T) {
	address := addresses("1742", "1743")
	sock, err := NewCommunicator(id1, address)
	assert.Equal(t, nil, err)
	sock.Close()
	sock.Close()
	assert.Equal(t, nil, sock.Recv())

	_, err = NewCommunicator(idservice.NewIDFromString("1.9"), address)
	assert.NotEqual(t, nil, err)
}
