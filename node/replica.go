package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acharapko/flease/acceptor"
	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/client"
	"github.com/acharapko/flease/epoch"
	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/log"
	"github.com/acharapko/flease/net"
	"github.com/acharapko/flease/util"
)

// viewChange is queued by the view listener and applied by the dispatch loop
type viewChange struct {
	cellID string
	viewID int32
}

// Replica is a flease node: an acceptor answering peers and admin clients,
// plus a proposer that acquires leases over its peers.
type Replica struct {
	Node

	acceptor *acceptor.Acceptor
	epochs   *epoch.Store
	proposer *client.Proposer
	clock    hlc.Clock

	// one round at a time, rounds share votes
	acquireMu sync.Mutex
	votes     chan *lease.Message
	statsFile string
	stopStats chan bool
}

// NewReplica creates the replica of node id from the process configuration
func NewReplica(id idservice.ID) (*Replica, error) {
	n, err := NewNode(id)
	if err != nil {
		return nil, err
	}
	r, err := newReplica(n, cfg.GetConfig(), hlc.HLClock)
	if err != nil {
		n.Close()
		return nil, err
	}
	return r, nil
}

func newReplica(n Node, config *cfg.Config, clock hlc.Clock, opts ...acceptor.Option) (*Replica, error) {
	epochs, err := epoch.Open(config.LockfileDir)
	if err != nil {
		return nil, err
	}
	r := &Replica{
		Node:   n,
		epochs: epochs,
		clock:  clock,
		votes:  make(chan *lease.Message, config.ChanBufferSize),
	}

	opts = append([]acceptor.Option{
		acceptor.WithClock(clock),
		acceptor.WithViewChangeListener(acceptor.ViewChangeListenerFunc(r.onViewIDChanged)),
		acceptor.WithLearnListener(acceptor.LearnEventListenerFunc(r.onLearned)),
	}, opts...)
	r.acceptor, err = acceptor.New(config.AcceptorConfig(n.ID()), opts...)
	if err != nil {
		return nil, err
	}
	r.proposer = client.NewProposer(n.ID().String(), r, clock, config.DMaxDuration())

	r.Register(lease.Message{}, r.handleMessage)
	r.Register(net.ClientMsgWrapper{}, r.handleClient)
	r.Register(viewChange{}, r.handleViewChange)

	if config.StatsInterval > 0 {
		r.statsFile = filepath.Join(config.LockfileDir, "flease."+config.IdentityFor(n.ID())+".stats")
		r.stopStats = util.Schedule(r.dumpStats, config.StatsIntervalDuration())
	}
	return r, nil
}

// Acceptor returns the local acceptor
func (r *Replica) Acceptor() *acceptor.Acceptor {
	return r.acceptor
}

// Close stops the replica and removes its crash marker
func (r *Replica) Close() error {
	if r.stopStats != nil {
		close(r.stopStats)
		r.stopStats = nil
	}
	r.Node.Close()
	return r.acceptor.Shutdown()
}

func (r *Replica) onLearned(cellID, holder string, timeout, masterEpoch int64) {
	log.Debugf("R %v learned %s=%s/%d epoch %d", r.ID(), cellID, holder, timeout, masterEpoch)
}

// onViewIDChanged runs under the cell lock, so the new view is applied later
// from the dispatch loop
func (r *Replica) onViewIDChanged(cellID string, viewID int32, fencing bool) {
	log.Infof("R %v cell %s moves to view %d", r.ID(), cellID, viewID)
	go r.Enqueue(viewChange{cellID: cellID, viewID: viewID})
}

func (r *Replica) handleViewChange(v viewChange) {
	r.acceptor.SetViewID(v.cellID, v.viewID)
}

// process runs msg through the acceptor and the master epoch bookkeeping.
// A nil result means nothing must be sent back.
func (r *Replica) process(msg *lease.Message) *lease.Message {
	resp, err := r.acceptor.ProcessMessage(msg)
	if err != nil {
		log.Warningf("R %v dropping message from %v: %v", r.ID(), msg.From, err)
		return nil
	}
	if resp == nil {
		return nil
	}

	switch resp.Type {
	case lease.MsgPrepareAck:
		if msg.MasterEpoch == lease.RequestMasterEpoch {
			e, err := r.epochs.Get(msg.CellID)
			if err != nil {
				log.Errorf("R %v cannot read master epoch of %s: %v", r.ID(), msg.CellID, err)
				return nil
			}
			resp.MasterEpoch = e
		}
	case lease.MsgAcceptAck:
		if msg.MasterEpoch != lease.IgnoreMasterEpoch {
			// the ack promises the epoch survives a restart
			if err := r.epochs.Set(msg.CellID, msg.MasterEpoch); err != nil {
				log.Errorf("R %v cannot store master epoch of %s: %v", r.ID(), msg.CellID, err)
				return nil
			}
		}
	}
	resp.From = r.ID()
	return resp
}

// handleMessage serves peers. Requests are answered to the sender, responses
// belong to a proposal of this replica.
func (r *Replica) handleMessage(m lease.Message) {
	if m.Type.IsProposerMessage() {
		select {
		case r.votes <- &m:
		default:
			log.Warningf("R %v dropping response %v, no proposal is waiting", r.ID(), &m)
		}
		return
	}
	if resp := r.process(&m); resp != nil {
		r.Send(m.From, *resp)
	}
}

func (r *Replica) handleClient(cmw net.ClientMsgWrapper) {
	switch m := cmw.Msg.(type) {
	case lease.Message:
		if resp := r.process(&m); resp != nil {
			cmw.Reply(*resp)
		} else {
			cmw.NoReply()
		}
	case net.LeaseQuery:
		reply := net.LeaseReply{CellID: m.CellID}
		if l := r.acceptor.LocalLeaseInformation(m.CellID); l != nil {
			reply.Found, reply.Lease = true, *l
		}
		cmw.Reply(reply)
	case net.StateQuery:
		cmw.Reply(net.StateReply{Cells: r.state(m.Prefix)})
	case net.ViewUpdate:
		r.acceptor.SetViewID(m.CellID, m.ViewID)
		cmw.Reply(net.ViewReply{CellID: m.CellID, ViewID: m.ViewID})
	case net.CrashRequest:
		r.Crash(m.Seconds)
		cmw.NoReply()
	default:
		log.Warningf("R %v unknown client request %v", r.ID(), cmw.Msg)
		cmw.NoReply()
	}
}

// state lists known cells with prefix, sorted by id
func (r *Replica) state(prefix string) []net.CellState {
	var cells []net.CellState
	for id, l := range r.acceptor.LocalState() {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		cs := net.CellState{CellID: id}
		if l != nil {
			cs.Learned, cs.Lease = true, *l
		}
		cells = append(cells, cs)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].CellID < cells[j].CellID })
	return cells
}

func (r *Replica) dumpStats() {
	s := r.acceptor.Stats()
	var b bytes.Buffer
	fmt.Fprintf(&b, "acceptor %s at %s\n", r.acceptor, time.UnixMilli(r.clock.LocalTime()).Format(time.RFC3339))
	fmt.Fprintf(&b, "in=%d responses=%d outdated=%d quarantined=%d invalid=%d wrongview=%d learned=%d\n",
		s.In, s.Responses, s.Outdated, s.Quarantined, s.Invalid, s.WrongView, s.Learned)
	for _, cs := range r.state("") {
		if cs.Learned {
			fmt.Fprintf(&b, "%s\t%s\t%d\t%d\n", cs.CellID, cs.Lease.LeaseHolder, cs.Lease.LeaseTimeout, cs.Lease.MasterEpoch)
		} else {
			fmt.Fprintf(&b, "%s\t-\n", cs.CellID)
		}
	}
	if err := os.WriteFile(r.statsFile, b.Bytes(), 0644); err != nil {
		log.Warningf("cannot write stats to %s: %v", r.statsFile, err)
	}
}

// Acquire runs one proposal round for holder over every replica
func (r *Replica) Acquire(ctx context.Context, cellID, holder string, d time.Duration) (*lease.Message, error) {
	r.acquireMu.Lock()
	defer r.acquireMu.Unlock()
	return r.proposer.Acquire(ctx, cellID, holder, d)
}

// Transport implementation over the peers and the local acceptor

func (r *Replica) Acceptors() int {
	return len(r.GetKnownIDs())
}

func (r *Replica) Call(ctx context.Context, req *lease.Message) []*lease.Message {
	req.From = r.ID()
	r.Broadcast(*req)

	resps := make([]*lease.Message, 0, r.Acceptors())
	if local := r.process(req.Clone()); local != nil {
		resps = append(resps, local)
	}
	for len(resps) < r.Acceptors() {
		select {
		case resp := <-r.votes:
			if resp.CellID == req.CellID && resp.ProposalNo == req.ProposalNo {
				resps = append(resps, resp)
			}
		case <-ctx.Done():
			return resps
		}
	}
	return resps
}

func (r *Replica) Cast(req *lease.Message) {
	req.From = r.ID()
	r.Broadcast(*req)
	r.process(req.Clone())
}
