package acceptor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/acharapko/flease/lease"
)

// Cell is the paxos acceptor state of one lease cell.
//
// mu serializes the handlers and the idle reset. learned and accepted are
// also published as immutable snapshots so monitoring can read them
// without waiting for a handler.
type Cell struct {
	mu sync.Mutex

	// guarded by mu
	promised        *lease.Message
	accepted        *lease.Message
	viewID          int32
	viewInvalidated bool

	learnedSnap  atomic.Pointer[lease.Message]
	acceptedSnap atomic.Pointer[lease.Message]
	lastAccess   atomic.Int64
}

func newCell(now int64) *Cell {
	c := new(Cell)
	c.lastAccess.Store(now)
	return c
}

// touch records an access at now
func (c *Cell) touch(now int64) {
	c.lastAccess.Store(now)
}

// idle reports whether the cell was not accessed for longer than timeout
func (c *Cell) idle(now, timeoutMS int64) bool {
	return c.lastAccess.Load()+timeoutMS < now
}

// reset forgets the ballot state but keeps the view fence. Callers hold mu.
func (c *Cell) reset() {
	c.promised = nil
	c.accepted = nil
	c.acceptedSnap.Store(nil)
	c.learnedSnap.Store(nil)
}

// promisedAfter is true when the cell promised a ballot after p
func (c *Cell) promisedAfter(p lease.ProposalNumber) bool {
	return c.promised != nil && c.promised.ProposalNo.After(p)
}

func (c *Cell) setAccepted(m *lease.Message) {
	c.accepted = m
	c.acceptedSnap.Store(m)
}

// value strips a request down to the record kept by the cell
func value(m *lease.Message) *lease.Message {
	return &lease.Message{
		Type:         m.Type,
		CellID:       m.CellID,
		ProposalNo:   m.ProposalNo,
		LeaseHolder:  m.LeaseHolder,
		LeaseTimeout: m.LeaseTimeout,
		ViewID:       m.ViewID,
		MasterEpoch:  m.MasterEpoch,
	}
}

func (c *Cell) onPrepare(msg *lease.Message) *lease.Message {
	if c.promisedAfter(msg.ProposalNo) {
		nack := lease.NewMessage(lease.MsgPrepareNack, msg)
		nack.PrevProposalNo = c.promised.ProposalNo
		nack.LeaseHolder = ""
		nack.LeaseTimeout = 0
		return nack
	}

	c.promised = value(msg)

	ack := lease.NewMessage(lease.MsgPrepareAck, msg)
	if c.accepted != nil {
		ack.PrevProposalNo = c.accepted.ProposalNo
		ack.LeaseHolder = c.accepted.LeaseHolder
		ack.LeaseTimeout = c.accepted.LeaseTimeout
	} else {
		ack.PrevProposalNo = lease.Empty
		ack.LeaseHolder = ""
		ack.LeaseTimeout = 0
	}
	return ack
}

// onAccept expects a validated message carrying a lease value
func (c *Cell) onAccept(msg *lease.Message) *lease.Message {
	if c.promisedAfter(msg.ProposalNo) {
		nack := lease.NewMessage(lease.MsgAcceptNack, msg)
		nack.PrevProposalNo = c.promised.ProposalNo
		nack.LeaseHolder = ""
		nack.LeaseTimeout = 0
		return nack
	}

	v := value(msg)
	c.setAccepted(v)
	c.promised = v
	return lease.NewMessage(lease.MsgAcceptAck, msg)
}

// onLearn returns the learned record, or nil when msg is outdated
func (c *Cell) onLearn(msg *lease.Message) *lease.Message {
	if c.promisedAfter(msg.ProposalNo) ||
		(c.accepted != nil && c.accepted.ProposalNo.After(msg.ProposalNo)) {
		return nil
	}

	v := value(msg)
	c.setAccepted(v)
	c.promised = v
	c.learnedSnap.Store(v)
	return v
}

// setViewID moves the cell to view; a higher view lifts an invalidation
func (c *Cell) setViewID(view int32) {
	if view > c.viewID {
		c.viewInvalidated = false
	}
	c.viewID = view
}

func (c *Cell) invalidateView() {
	c.viewInvalidated = true
}

// Learned returns the last learned lease or nil
func (c *Cell) Learned() *lease.Message {
	return c.learnedSnap.Load()
}

// Accepted returns the last accepted value or nil
func (c *Cell) Accepted() *lease.Message {
	return c.acceptedSnap.Load()
}

// String dumps the cell, it takes the handler lock
func (c *Cell) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, a := lease.Empty, "n/a"
	if c.promised != nil {
		p = c.promised.ProposalNo
	}
	if c.accepted != nil {
		a = fmt.Sprintf("%v=%s/%d", c.accepted.ProposalNo, c.accepted.LeaseHolder, c.accepted.LeaseTimeout)
	}
	return fmt.Sprintf("Cell {view=%d invalidated=%t promised=%v accepted=%s learned=%t lastAccess=%d}",
		c.viewID, c.viewInvalidated, p, a, c.Learned() != nil, c.lastAccess.Load())
}
