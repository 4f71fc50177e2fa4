package lease

import (
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/acharapko/flease/idservice"
)

func init() {
	gob.Register(Message{})
}

// MsgType is the kind of a flease protocol message
type MsgType uint8

const (
	MsgPrepare MsgType = iota
	MsgPrepareAck
	MsgPrepareNack
	MsgAccept
	MsgAcceptAck
	MsgAcceptNack
	MsgLearn
	MsgWrongView
)

var msgTypeNames = [...]string{
	"PREPARE", "PREPARE_ACK", "PREPARE_NACK",
	"ACCEPT", "ACCEPT_ACK", "ACCEPT_NACK",
	"LEARN", "WRONG_VIEW",
}

func (t MsgType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// IsAcceptorMessage is true for requests handled by an acceptor
func (t MsgType) IsAcceptorMessage() bool {
	return t == MsgPrepare || t == MsgAccept || t == MsgLearn
}

// IsProposerMessage is true for acceptor responses
func (t MsgType) IsProposerMessage() bool {
	switch t {
	case MsgPrepareAck, MsgPrepareNack, MsgAcceptAck, MsgAcceptNack, MsgWrongView:
		return true
	}
	return false
}

const (
	// ViewIDInvalidated passed to SetViewID fences the cell's current view
	ViewIDInvalidated int32 = -1
	// IgnoreMasterEpoch marks messages that carry no master epoch
	IgnoreMasterEpoch int64 = -1
	// RequestMasterEpoch asks the acceptor to return its stored master epoch
	RequestMasterEpoch int64 = 0
)

// ErrInvalidMessage is returned for messages that can never be valid
// protocol input, independent of acceptor state.
var ErrInvalidMessage = errors.New("invalid lease message")

// Message is one flease protocol PDU, request or response. The lease value
// is the pair (LeaseHolder, LeaseTimeout); an empty holder means no value.
// Timestamps are milliseconds since the unix epoch.
type Message struct {
	Type           MsgType
	CellID         string
	ProposalNo     ProposalNumber
	PrevProposalNo ProposalNumber
	LeaseHolder    string
	LeaseTimeout   int64
	ViewID         int32
	MasterEpoch    int64
	SendTimestamp  int64
	From           idservice.ID
}

// NewRequest creates a request for cell at proposal p
func NewRequest(t MsgType, cell string, p ProposalNumber) *Message {
	return &Message{
		Type:        t,
		CellID:      cell,
		ProposalNo:  p,
		MasterEpoch: IgnoreMasterEpoch,
	}
}

// NewMessage creates a message of type t taking cell, proposal numbers,
// lease value, view and master epoch from template.
func NewMessage(t MsgType, template *Message) *Message {
	return &Message{
		Type:           t,
		CellID:         template.CellID,
		ProposalNo:     template.ProposalNo,
		PrevProposalNo: template.PrevProposalNo,
		LeaseHolder:    template.LeaseHolder,
		LeaseTimeout:   template.LeaseTimeout,
		ViewID:         template.ViewID,
		MasterEpoch:    template.MasterEpoch,
	}
}

// Clone returns a copy of m
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// HasValue is true when the message carries a lease value
func (m *Message) HasValue() bool {
	return m.LeaseHolder != "" && m.LeaseTimeout > 0
}

// After compares proposal numbers of two messages
func (m *Message) After(other *Message) bool {
	return m.ProposalNo.After(other.ProposalNo)
}

// Before compares proposal numbers of two messages
func (m *Message) Before(other *Message) bool {
	return m.ProposalNo.Before(other.ProposalNo)
}

// HasTimedOut is true when the lease expired even for a clock dmax ahead
func (m *Message) HasTimedOut(now int64, dmax time.Duration) bool {
	return m.LeaseTimeout+dmax.Milliseconds() < now
}

// HasNotTimedOut is true when the lease is valid even for a clock dmax behind
func (m *Message) HasNotTimedOut(now int64, dmax time.Duration) bool {
	return m.LeaseTimeout-dmax.Milliseconds() > now
}

// Validate rejects messages that are malformed regardless of state. Only
// acceptor requests are checked.
func (m *Message) Validate() error {
	if err := m.ValidateHeader(); err != nil {
		return err
	}
	return m.ValidateValue()
}

// ValidateHeader checks what is needed to find the cell and order the request
func (m *Message) ValidateHeader() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.CellID == "" {
		return fmt.Errorf("%w: empty cell id", ErrInvalidMessage)
	}
	if !m.ProposalNo.IsValid() {
		return fmt.Errorf("%w: bad proposal number %v", ErrInvalidMessage, m.ProposalNo)
	}
	return nil
}

// ValidateValue checks the lease carried by ACCEPT and LEARN
func (m *Message) ValidateValue() error {
	switch m.Type {
	case MsgAccept, MsgLearn:
		if m.LeaseHolder == "" {
			return fmt.Errorf("%w: %v without lease holder", ErrInvalidMessage, m.Type)
		}
		if m.LeaseTimeout <= 0 {
			return fmt.Errorf("%w: %v with lease timeout %d", ErrInvalidMessage, m.Type, m.LeaseTimeout)
		}
	}
	return nil
}

func (m *Message) String() string {
	holder := m.LeaseHolder
	if holder == "" {
		holder = "n/a"
	}
	return fmt.Sprintf("Message {type=%v cell=%s v=%d b=%v lease=%s/%d prevb=%v ts=%d from=%v mepoch=%d}",
		m.Type, m.CellID, m.ViewID, m.ProposalNo, holder, m.LeaseTimeout,
		m.PrevProposalNo, m.SendTimestamp, m.From, m.MasterEpoch)
}
