package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/log"
	"github.com/acharapko/flease/quorum"
)

var (
	// ErrNoQuorum means a phase was not acknowledged by a majority
	ErrNoQuorum = errors.New("no quorum")
	// ErrWrongView means an acceptor is in a newer view than the proposer
	ErrWrongView = errors.New("wrong view")
)

// Transport carries proposer requests to every acceptor
type Transport interface {
	// Acceptors is the number of acceptors a request reaches
	Acceptors() int
	// Call sends req to every acceptor and returns the responses that arrived
	// before ctx is done. Responses carry the acceptor in From.
	Call(ctx context.Context, req *lease.Message) []*lease.Message
	// Cast sends req to every acceptor without waiting for responses
	Cast(req *lease.Message)
}

// Proposer runs one PREPARE, ACCEPT, LEARN round per Acquire. It does not
// retry; a rejected round returns the error and raises the next ballot.
type Proposer struct {
	id        string
	transport Transport
	clock     hlc.Clock
	dmax      time.Duration
	viewID    int32

	mu     sync.Mutex
	ballot map[string]lease.ProposalNumber
}

// NewProposer creates a proposer with identity id, dmax is the clock skew
// bound used to decide whether a previously accepted lease expired
func NewProposer(id string, t Transport, clock hlc.Clock, dmax time.Duration) *Proposer {
	return &Proposer{
		id:        id,
		transport: t,
		clock:     clock,
		dmax:      dmax,
		ballot:    make(map[string]lease.ProposalNumber),
	}
}

// SetViewID sets the view sent with every request
func (p *Proposer) SetViewID(view int32) {
	p.mu.Lock()
	p.viewID = view
	p.mu.Unlock()
}

// nextBallot returns a ballot above anything seen for cellID
func (p *Proposer) nextBallot(cellID string) (lease.ProposalNumber, int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.ballot[cellID].Next(p.id)
	p.ballot[cellID] = b
	return b, p.viewID
}

func (p *Proposer) observe(cellID string, seen lease.ProposalNumber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seen.After(p.ballot[cellID]) {
		p.ballot[cellID] = seen
	}
}

func (p *Proposer) request(t lease.MsgType, cellID string, b lease.ProposalNumber, view int32) *lease.Message {
	m := lease.NewRequest(t, cellID, b)
	m.ViewID = view
	m.SendTimestamp = p.clock.GlobalTime()
	return m
}

// Acquire tries to make holder the lease holder of cellID for d. If another
// lease is still valid it is confirmed instead. The learned lease is
// returned, compare its LeaseHolder to see who holds the cell.
func (p *Proposer) Acquire(ctx context.Context, cellID, holder string, d time.Duration) (*lease.Message, error) {
	b, view := p.nextBallot(cellID)
	n := p.transport.Acceptors()

	// phase 1
	prepare := p.request(lease.MsgPrepare, cellID, b, view)
	prepare.MasterEpoch = lease.RequestMasterEpoch
	q := quorum.NewQuorum(n)
	var highest *lease.Message
	var epoch int64
	for _, resp := range p.transport.Call(ctx, prepare) {
		if resp.CellID != cellID || resp.ProposalNo != b {
			continue
		}
		switch resp.Type {
		case lease.MsgPrepareAck:
			q.ACK(resp.From)
			if resp.MasterEpoch > epoch {
				epoch = resp.MasterEpoch
			}
			if resp.LeaseHolder != "" && (highest == nil || resp.PrevProposalNo.After(highest.PrevProposalNo)) {
				highest = resp
			}
		case lease.MsgPrepareNack:
			q.NACK(resp.From)
			p.observe(cellID, resp.PrevProposalNo)
		case lease.MsgWrongView:
			return nil, fmt.Errorf("%w: prepare %v, acceptor %v is in view %d", ErrWrongView, b, resp.From, resp.ViewID)
		}
	}
	if !q.Majority() {
		return nil, fmt.Errorf("%w: prepare %v on %s: %v", ErrNoQuorum, b, cellID, q)
	}

	// pick the value
	now := p.clock.GlobalTime()
	accept := p.request(lease.MsgAccept, cellID, b, view)
	if highest != nil && !highest.HasTimedOut(now, p.dmax) {
		accept.LeaseHolder, accept.LeaseTimeout = highest.LeaseHolder, highest.LeaseTimeout
		accept.MasterEpoch = epoch
	} else {
		accept.LeaseHolder, accept.LeaseTimeout = holder, now+d.Milliseconds()
		accept.MasterEpoch = epoch + 1
	}

	// phase 2
	q = quorum.NewQuorum(n)
	for _, resp := range p.transport.Call(ctx, accept) {
		if resp.CellID != cellID || resp.ProposalNo != b {
			continue
		}
		switch resp.Type {
		case lease.MsgAcceptAck:
			q.ACK(resp.From)
		case lease.MsgAcceptNack:
			q.NACK(resp.From)
			p.observe(cellID, resp.PrevProposalNo)
		case lease.MsgWrongView:
			return nil, fmt.Errorf("%w: accept %v, acceptor %v is in view %d", ErrWrongView, b, resp.From, resp.ViewID)
		}
	}
	if !q.Majority() {
		return nil, fmt.Errorf("%w: accept %v on %s: %v", ErrNoQuorum, b, cellID, q)
	}

	learn := lease.NewMessage(lease.MsgLearn, accept)
	learn.SendTimestamp = p.clock.GlobalTime()
	p.transport.Cast(learn)
	log.Debugf("P %s learned %s/%d epoch %d at %v", cellID, learn.LeaseHolder, learn.LeaseTimeout, learn.MasterEpoch, b)
	return learn, nil
}
