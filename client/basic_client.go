package client

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/log"
	"github.com/acharapko/flease/net"
)

// ErrTimeout is returned when a node does not answer an admin request
var ErrTimeout = errors.New("request timed out")

// BasicClient talks to the client listeners of the nodes. Admin requests go
// to one node; proposals go to all of them.
type BasicClient struct {
	ClientId        idservice.ID
	PreferredNodeId idservice.ID
	Communication   net.Communication
	Timeout         time.Duration

	handles map[string]reflect.Value

	adminMu sync.Mutex       // one admin request in flight
	admin   chan interface{} // its reply
	votes   chan *lease.Message

	proposer *Proposer
}

// NewClient connects to the nodes in the configuration. With preferredNodeId
// 0 admin requests go to a random node.
func NewClient(preferredNodeId idservice.ID, clientId idservice.ID) *BasicClient {
	log.Debugf("Starting new client with preferred node id: %v", preferredNodeId)
	return newClient(preferredNodeId, clientId, net.NewClientCommunicator(cfg.GetConfig().Addrs))
}

func newClient(preferredNodeId, clientId idservice.ID, comm net.Communication) *BasicClient {
	c := &BasicClient{
		ClientId:        clientId,
		PreferredNodeId: preferredNodeId,
		Communication:   comm,
		Timeout:         cfg.GetConfig().MessageTimeoutDuration(),
		handles:         make(map[string]reflect.Value),
		admin:           make(chan interface{}, 1),
		votes:           make(chan *lease.Message, cfg.GetConfig().ChanBufferSize),
	}
	c.proposer = NewProposer(clientId.String(), c, hlc.HLClock, cfg.GetConfig().DMaxDuration())

	c.Register(lease.Message{}, c.handleVote)
	c.Register(net.LeaseReply{}, c.handleAdmin)
	c.Register(net.StateReply{}, c.handleAdmin)
	c.Register(net.ViewReply{}, c.handleAdmin)

	go c.handle()
	return c
}

// Register a handle function for each message type
func (c *BasicClient) Register(m interface{}, f interface{}) {
	t := reflect.TypeOf(m)
	fn := reflect.ValueOf(f)
	if fn.Kind() != reflect.Func || fn.Type().NumIn() != 1 || (fn.Type().In(0) != t && !t.Implements(fn.Type().In(0))) {
		panic("register handle function error")
	}
	c.handles[t.String()] = fn
}

// handle receives messages from the communicator and calls handle function using refection
func (c *BasicClient) handle() {
	for {
		msg := c.Communication.Recv()
		if msg == nil {
			return
		}
		c.HandleMsg(msg)
	}
}

func (c *BasicClient) HandleMsg(msg interface{}) {
	log.Debugf("Handling msg: %v", msg)
	v := reflect.ValueOf(msg)
	name := v.Type().String()
	f, exists := c.handles[name]
	if !exists {
		log.Errorf("no registered handle function for message type %v", name)
		return
	}
	f.Call([]reflect.Value{v})
}

func (c *BasicClient) handleVote(m lease.Message) {
	select {
	case c.votes <- &m:
	default:
		log.Warningf("dropping response %v, no proposal is waiting", &m)
	}
}

func (c *BasicClient) handleAdmin(m interface{}) {
	select {
	case c.admin <- m:
	default:
		log.Warningf("dropping unexpected reply %v", m)
	}
}

func (c *BasicClient) target() idservice.ID {
	if c.PreferredNodeId != 0 {
		return c.PreferredNodeId
	}
	ids := c.Communication.GetKnownIDs()
	return ids[rand.Intn(len(ids))]
}

// call sends an admin request and waits for the reply
func (c *BasicClient) call(req interface{}) (interface{}, error) {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()
	// a reply that arrived after its request timed out
	select {
	case <-c.admin:
	default:
	}

	c.Communication.Send(c.target(), req)
	select {
	case reply := <-c.admin:
		return reply, nil
	case <-time.After(c.Timeout):
		return nil, ErrTimeout
	}
}

// Lease returns the lease a node learned for the cell, nil if none
func (c *BasicClient) Lease(cellID string) (*lease.Message, error) {
	reply, err := c.call(net.LeaseQuery{CellID: cellID})
	if err != nil {
		return nil, err
	}
	r, ok := reply.(net.LeaseReply)
	if !ok {
		return nil, errors.New("unexpected reply " + reflect.TypeOf(reply).String())
	}
	if !r.Found {
		return nil, nil
	}
	return &r.Lease, nil
}

// State lists the cells a node knows
func (c *BasicClient) State(prefix string) ([]net.CellState, error) {
	reply, err := c.call(net.StateQuery{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	r, ok := reply.(net.StateReply)
	if !ok {
		return nil, errors.New("unexpected reply " + reflect.TypeOf(reply).String())
	}
	return r.Cells, nil
}

// SetView moves a cell of a node to a view and returns the view it has now
func (c *BasicClient) SetView(cellID string, viewID int32) (int32, error) {
	reply, err := c.call(net.ViewUpdate{CellID: cellID, ViewID: viewID})
	if err != nil {
		return 0, err
	}
	r, ok := reply.(net.ViewReply)
	if !ok {
		return 0, errors.New("unexpected reply " + reflect.TypeOf(reply).String())
	}
	return r.ViewID, nil
}

// Crash silences the peer traffic of a node for t seconds
func (c *BasicClient) Crash(id idservice.ID, t int) {
	c.Communication.Send(id, net.CrashRequest{Seconds: t})
}

// Acquire runs one proposal round over all nodes
func (c *BasicClient) Acquire(ctx context.Context, cellID, holder string, d time.Duration) (*lease.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return c.proposer.Acquire(ctx, cellID, holder, d)
}

// Transport implementation

func (c *BasicClient) Acceptors() int {
	return len(c.Communication.GetKnownIDs())
}

func (c *BasicClient) Call(ctx context.Context, req *lease.Message) []*lease.Message {
	req.From = c.ClientId
	c.Communication.Broadcast(*req)

	n := c.Acceptors()
	resps := make([]*lease.Message, 0, n)
	for len(resps) < n {
		select {
		case resp := <-c.votes:
			if resp.CellID == req.CellID && resp.ProposalNo == req.ProposalNo {
				resps = append(resps, resp)
			}
		case <-ctx.Done():
			return resps
		}
	}
	return resps
}

func (c *BasicClient) Cast(req *lease.Message) {
	req.From = c.ClientId
	c.Communication.Broadcast(*req)
}
