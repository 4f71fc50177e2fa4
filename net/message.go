package net

import (
	"fmt"

	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/log"
)

func init() {
	Register(lease.Message{}) // paxos messages between nodes and from proposing clients
	Register(ProtocolMsg{})   // wrapper for messages when need HLC in the system
	Register(LeaseQuery{})
	Register(LeaseReply{})
	Register(StateQuery{})
	Register(StateReply{})
	Register(ViewUpdate{})
	Register(ViewReply{})
	Register(CrashRequest{})
}

/***************************
 * Protocol Related Messages
 ***************************/

// generic protocol msg with HLC
type ProtocolMsg struct {
	HlcTime int64
	MsgId   int64
	Msg     interface{}
}

func (p ProtocolMsg) String() string {
	return fmt.Sprintf("ProtocolMsg {msgid=%d, hlc=%d msg=%v}", p.MsgId, p.HlcTime, p.Msg)
}

/***************************
 * Client-Replica Messages *
 ***************************/

// generic client protocol msg with HLC
type ClientMsgWrapper struct {
	Msg       interface{}
	Timestamp hlc.Timestamp
	C         chan interface{} // reply channel created by request receiver
}

// Reply replies to current client session
func (c *ClientMsgWrapper) Reply(reply interface{}) {
	c.C <- reply
}

// NoReply ends a request that has no answer
func (c *ClientMsgWrapper) NoReply() {
	close(c.C)
}

func (c *ClientMsgWrapper) SetReplier(codec Codec) {
	c.C = make(chan interface{}, 1)
	go func(r *ClientMsgWrapper) {
		reply, ok := <-r.C
		if !ok {
			return
		}
		ts := hlc.HLClock.Now()
		var pm interface{}
		pm = ProtocolMsg{HlcTime: ts.ToInt64(), Msg: reply}
		err := codec.Encode(&pm)
		if err != nil {
			log.Errorf("Error replying to client: %v", err)
		}
	}(c)
}

func (c ClientMsgWrapper) String() string {
	return fmt.Sprintf("ClientMsgWrapper {msg=%v @ hlc=%v}", c.Msg, c.Timestamp)
}

// LeaseQuery asks a node for the lease it learned for a cell
type LeaseQuery struct {
	CellID string
}

func (q LeaseQuery) String() string {
	return fmt.Sprintf("LeaseQuery {cell=%s}", q.CellID)
}

// LeaseReply carries the learned lease, Found is false when there is none
type LeaseReply struct {
	CellID string
	Found  bool
	Lease  lease.Message
}

func (r LeaseReply) String() string {
	if !r.Found {
		return fmt.Sprintf("LeaseReply {cell=%s none}", r.CellID)
	}
	return fmt.Sprintf("LeaseReply {cell=%s lease=%v}", r.CellID, &r.Lease)
}

// StateQuery asks a node for the cells it knows whose id starts with Prefix
type StateQuery struct {
	Prefix string
}

func (q StateQuery) String() string {
	return fmt.Sprintf("StateQuery {prefix=%q}", q.Prefix)
}

// CellState is one row of a StateReply
type CellState struct {
	CellID  string
	Learned bool
	Lease   lease.Message
}

type StateReply struct {
	Cells []CellState
}

func (r StateReply) String() string {
	return fmt.Sprintf("StateReply {cells=%d}", len(r.Cells))
}

// ViewUpdate moves a cell to a new view, lease.ViewIDInvalidated fences it
type ViewUpdate struct {
	CellID string
	ViewID int32
}

func (u ViewUpdate) String() string {
	return fmt.Sprintf("ViewUpdate {cell=%s view=%d}", u.CellID, u.ViewID)
}

type ViewReply struct {
	CellID string
	ViewID int32
}

func (r ViewReply) String() string {
	return fmt.Sprintf("ViewReply {cell=%s view=%d}", r.CellID, r.ViewID)
}

// CrashRequest makes a node drop all outgoing peer messages for Seconds
type CrashRequest struct {
	Seconds int
}

func (r CrashRequest) String() string {
	return fmt.Sprintf("CrashRequest {t=%ds}", r.Seconds)
}
