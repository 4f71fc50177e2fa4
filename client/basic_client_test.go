package client

import (
	"context"
	"testing"
	"time"

	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/net"
	"github.com/bmizerany/assert"
)

// loopback answers client requests from in-process acceptors
type loopback struct {
	acceptors LocalTransport
	recv      chan interface{}
	done      chan struct{}
	crashed   idservice.ID
}

func newLoopback(acceptors LocalTransport) *loopback {
	return &loopback{acceptors: acceptors, recv: make(chan interface{}, 64), done: make(chan struct{})}
}

func (l *loopback) AddAddress(id idservice.ID, addr string) {}
func (l *loopback) GetAddresses() map[idservice.ID]string {
	return nil
}

func (l *loopback) GetKnownIDs() []idservice.ID {
	ids := make([]idservice.ID, len(l.acceptors))
	for i := range l.acceptors {
		ids[i] = idservice.NewID(1, i+1)
	}
	return ids
}

func (l *loopback) Send(to idservice.ID, m interface{}) {
	a := l.acceptors[to.Node()-1]
	switch req := m.(type) {
	case net.LeaseQuery:
		reply := net.LeaseReply{CellID: req.CellID}
		if info := a.LocalLeaseInformation(req.CellID); info != nil {
			reply.Found, reply.Lease = true, *info
		}
		l.recv <- reply
	case net.ViewUpdate:
		a.SetViewID(req.CellID, req.ViewID)
		l.recv <- net.ViewReply{CellID: req.CellID, ViewID: req.ViewID}
	case net.StateQuery:
		// never answered
	case net.CrashRequest:
		l.crashed = to
	}
}

func (l *loopback) Broadcast(m interface{}) {
	req := m.(lease.Message)
	for _, resp := range l.acceptors.Call(context.Background(), &req) {
		l.recv <- *resp
	}
}

func (l *loopback) Recv() interface{} {
	select {
	case m := <-l.recv:
		return m
	case <-l.done:
		return nil
	}
}

func (l *loopback) Close()                                  { close(l.done) }
func (l *loopback) Drop(id idservice.ID, t int)             {}
func (l *loopback) Slow(id idservice.ID, d int, t int)      {}
func (l *loopback) Flaky(id idservice.ID, p float64, t int) {}
func (l *loopback) Crash(t int)                             {}

func TestBasicClient(t *testing.T) {
	clock := hlc.NewManualClock(hlc.CurrentTimeInMS())
	comm := newLoopback(newAcceptors(t, clock, 3))
	defer comm.Close()

	c := newClient(idservice.NewID(1, 2), idservice.NewID(0, 7), comm)
	c.proposer.clock = clock
	c.Timeout = time.Second

	l, err := c.Lease("cell")
	assert.Equal(t, nil, err)
	assert.T(t, l == nil)

	l, err = c.Acquire(context.Background(), "cell", "me", 10*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "me", l.LeaseHolder)
	assert.Equal(t, "0.7", l.ProposalNo.Proposer)

	l, err = c.Lease("cell")
	assert.Equal(t, nil, err)
	assert.Equal(t, "me", l.LeaseHolder)

	view, err := c.SetView("cell", 3)
	assert.Equal(t, nil, err)
	assert.Equal(t, int32(3), view)

	c.Timeout = 50 * time.Millisecond
	_, err = c.State("")
	assert.Equal(t, ErrTimeout, err)

	c.Crash(idservice.NewID(1, 3), 5)
	assert.Equal(t, idservice.NewID(1, 3), comm.crashed)
}
