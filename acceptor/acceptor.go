// Package acceptor implements the acceptor role of flease, a paxos based
// lease negotiation with one independent paxos instance per cell.
//
// Ballots are kept in memory only. Safety across restarts comes from a
// crash marker file: an acceptor that finds the marker of a previous,
// uncleanly terminated incarnation ignores all messages for RestartWait,
// by which time every peer has stopped relying on promises it may have
// forgotten.
package acceptor

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/log"
)

var (
	// ErrInvalidMessage is returned by ProcessMessage for malformed requests
	ErrInvalidMessage = lease.ErrInvalidMessage
	// ErrConfig is returned by New for unusable settings
	ErrConfig = errors.New("invalid acceptor configuration")
	// ErrShutdown is returned by ProcessMessage after Shutdown
	ErrShutdown = errors.New("acceptor is shut down")
)

// Config holds the acceptor settings
type Config struct {
	// Identity names this acceptor; the crash marker is derived from it
	Identity string
	// LockfileDir holds the crash marker
	LockfileDir string
	// MessageTimeout drops requests sent longer ago than this
	MessageTimeout time.Duration
	// CellTimeout recycles cells idle for longer than this. It must exceed
	// the longest lease plus the maximum clock skew.
	CellTimeout time.Duration
	// RestartWait is the quarantine after an unclean shutdown
	RestartWait time.Duration
	// DebugPrintMessages traces every message at debug level
	DebugPrintMessages bool
}

func (c Config) validate() error {
	switch {
	case c.Identity == "":
		return fmt.Errorf("%w: empty identity", ErrConfig)
	case c.LockfileDir == "":
		return fmt.Errorf("%w: empty lockfile dir", ErrConfig)
	case c.MessageTimeout <= 0, c.CellTimeout <= 0, c.RestartWait <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrConfig)
	}
	return nil
}

// Option customizes an Acceptor
type Option func(*Acceptor)

// WithClock replaces the process hybrid logical clock
func WithClock(c hlc.Clock) Option {
	return func(a *Acceptor) { a.clock = c }
}

// WithLearnListener sets the learn event listener
func WithLearnListener(l LearnEventListener) Option {
	return func(a *Acceptor) { a.learnListener = l }
}

// WithViewChangeListener sets the view change listener
func WithViewChangeListener(l ViewChangeListener) Option {
	return func(a *Acceptor) { a.viewListener.Store(&l) }
}

// IgnoreLockFileForTesting starts without quarantine even if a crash marker
// exists. Only for test harnesses that restart acceptors in-process; in
// production it voids the safety of the protocol.
func IgnoreLockFileForTesting() Option {
	return func(a *Acceptor) { a.ignoreLockfile = true }
}

// Stats are counters of processed messages
type Stats struct {
	In          uint64
	Responses   uint64
	Outdated    uint64
	Quarantined uint64
	Invalid     uint64
	WrongView   uint64
	Learned     uint64
}

type counters struct {
	in, responses, outdated, quarantined, invalid, wrongView, learned atomic.Uint64
}

// Acceptor owns the cells of one flease node
type Acceptor struct {
	config   Config
	lockfile string

	clock         hlc.Clock
	learnListener LearnEventListener
	viewListener  atomic.Pointer[ViewChangeListener]

	ignoreLockfile  bool
	quarantineUntil int64

	mu    sync.RWMutex
	cells map[string]*Cell

	quit  atomic.Bool
	stats counters
}

// New creates an acceptor and claims its crash marker. If the marker of a
// crashed predecessor is found the acceptor starts in quarantine.
func New(config Config, opts ...Option) (*Acceptor, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	a := &Acceptor{
		config:        config,
		lockfile:      LockfilePath(config.LockfileDir, config.Identity),
		clock:         hlc.HLClock,
		learnListener: nopListener{},
		cells:         make(map[string]*Cell),
	}
	var nop ViewChangeListener = nopListener{}
	a.viewListener.Store(&nop)
	for _, opt := range opts {
		opt(a)
	}

	crashed, err := claimLockfile(a.lockfile, a.ignoreLockfile)
	if err != nil {
		return nil, err
	}
	if crashed {
		a.quarantineUntil = a.clock.LocalTime() + config.RestartWait.Milliseconds()
		log.Infof("restarted after crash (lock file %s exists). acceptor will ignore all messages for %v (recovery period until %s)",
			a.lockfile, config.RestartWait, time.UnixMilli(a.quarantineUntil).Format(time.RFC3339Nano))
	}
	return a, nil
}

// SetViewChangeListener replaces the view change listener
func (a *Acceptor) SetViewChangeListener(l ViewChangeListener) {
	if l == nil {
		l = nopListener{}
	}
	a.viewListener.Store(&l)
}

// InQuarantine reports whether the post-crash recovery period is running
func (a *Acceptor) InQuarantine() bool {
	return a.clock.LocalTime() < a.quarantineUntil
}

// QuarantineDeadline is the local time in ms until which messages are
// ignored, 0 after a clean start.
func (a *Acceptor) QuarantineDeadline() int64 {
	return a.quarantineUntil
}

// Lockfile returns the crash marker path
func (a *Acceptor) Lockfile() string {
	return a.lockfile
}

// lookup returns the cell or nil without creating it
func (a *Acceptor) lookup(cellID string) *Cell {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cells[cellID]
}

func (a *Acceptor) getOrCreate(cellID string, now int64) *Cell {
	if c := a.lookup(cellID); c != nil {
		return c
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cells[cellID]
	if !ok {
		c = newCell(now)
		a.cells[cellID] = c
	}
	return c
}

// lockCell resolves and locks the cell. A cell idle for longer than
// CellTimeout loses its ballots and keeps its view.
func (a *Acceptor) lockCell(cellID string, now int64) *Cell {
	c := a.getOrCreate(cellID, now)
	c.mu.Lock()
	if c.idle(now, a.config.CellTimeout.Milliseconds()) {
		if log.IsDebug() {
			log.Debugf("A GCed cell %s", cellID)
		}
		c.reset()
	}
	c.touch(now)
	return c
}

func (a *Acceptor) debugf(format string, args ...interface{}) {
	if a.config.DebugPrintMessages && log.IsDebug() {
		log.Debugf(format, args...)
	}
}

// ProcessMessage handles one PREPARE, ACCEPT or LEARN and returns the
// response to send back, if any. Outdated messages and messages received
// during quarantine are dropped. Malformed requests return an error
// wrapping ErrInvalidMessage.
func (a *Acceptor) ProcessMessage(msg *lease.Message) (*lease.Message, error) {
	if a.quit.Load() {
		return nil, ErrShutdown
	}
	a.stats.in.Add(1)
	if msg == nil {
		a.stats.invalid.Add(1)
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}

	if msg.SendTimestamp+a.config.MessageTimeout.Milliseconds() < a.clock.GlobalTime() {
		a.stats.outdated.Add(1)
		a.debugf("A outdated message discarded: %v", msg)
		return nil, nil
	}
	now := a.clock.LocalTime()
	if now < a.quarantineUntil {
		a.stats.quarantined.Add(1)
		a.debugf("A message discarded, acceptor is still in recovery period")
		return nil, nil
	}
	if err := msg.ValidateHeader(); err != nil {
		a.stats.invalid.Add(1)
		return nil, err
	}

	cell := a.lockCell(msg.CellID, now)
	defer cell.mu.Unlock()

	if cell.viewID < msg.ViewID {
		// the request is still answered, the listener decides whether to adopt the view
		(*a.viewListener.Load()).OnViewIDChanged(msg.CellID, msg.ViewID, false)
	} else if cell.viewID > msg.ViewID || (cell.viewID == msg.ViewID && cell.viewInvalidated) {
		a.stats.wrongView.Add(1)
		resp := lease.NewMessage(lease.MsgWrongView, msg)
		resp.ViewID = cell.viewID
		return a.respond(resp), nil
	}
	if err := msg.ValidateValue(); err != nil {
		a.stats.invalid.Add(1)
		return nil, err
	}

	switch msg.Type {
	case lease.MsgPrepare:
		a.debugf("A prepare  p:%v a:%v -> %v", promisedOf(cell), cell.Accepted(), msg.ProposalNo)
		return a.respond(cell.onPrepare(msg)), nil
	case lease.MsgAccept:
		a.debugf("A accept   p:%v a:%v -> %v=%s/%d", promisedOf(cell), cell.Accepted(), msg.ProposalNo, msg.LeaseHolder, msg.LeaseTimeout)
		return a.respond(cell.onAccept(msg)), nil
	case lease.MsgLearn:
		learned := cell.onLearn(msg)
		if learned == nil {
			a.debugf("A ignore outdated LEARN message %v", msg.ProposalNo)
			return nil, nil
		}
		a.stats.learned.Add(1)
		a.debugf("A learn    %v=%s/%d", msg.ProposalNo, msg.LeaseHolder, msg.LeaseTimeout)
		a.learnListener.OnLearned(msg.CellID, learned.LeaseHolder, learned.LeaseTimeout, learned.MasterEpoch)
		return nil, nil
	default:
		log.Errorf("A invalid message type received: %v", msg)
		return nil, nil
	}
}

func promisedOf(c *Cell) lease.ProposalNumber {
	if c.promised == nil {
		return lease.Empty
	}
	return c.promised.ProposalNo
}

func (a *Acceptor) respond(resp *lease.Message) *lease.Message {
	resp.SendTimestamp = a.clock.GlobalTime()
	a.stats.responses.Add(1)
	return resp
}

// SetViewID sets the view of a cell. lease.ViewIDInvalidated fences the
// current view instead, until a higher view is set.
func (a *Acceptor) SetViewID(cellID string, viewID int32) {
	cell := a.lockCell(cellID, a.clock.LocalTime())
	defer cell.mu.Unlock()
	if viewID == lease.ViewIDInvalidated {
		cell.invalidateView()
	} else {
		cell.setViewID(viewID)
	}
}

// LocalLeaseInformation returns the last lease learned for the cell, or nil.
// It never waits for a handler.
func (a *Acceptor) LocalLeaseInformation(cellID string) *lease.Message {
	c := a.lookup(cellID)
	if c == nil {
		return nil
	}
	now := a.clock.LocalTime()
	if c.idle(now, a.config.CellTimeout.Milliseconds()) {
		return nil
	}
	c.touch(now)
	return c.Learned()
}

// LocalState maps every known cell to its learned lease, nil when none
func (a *Acceptor) LocalState() map[string]*lease.Message {
	a.mu.RLock()
	cells := make(map[string]*Cell, len(a.cells))
	for id, c := range a.cells {
		cells[id] = c
	}
	a.mu.RUnlock()

	now := a.clock.LocalTime()
	state := make(map[string]*lease.Message, len(cells))
	for id, c := range cells {
		if c.idle(now, a.config.CellTimeout.Milliseconds()) {
			state[id] = nil
			continue
		}
		state[id] = c.Learned()
	}
	return state
}

// DumpCell describes a cell for debugging
func (a *Acceptor) DumpCell(cellID string) string {
	c := a.lookup(cellID)
	if c == nil {
		return cellID + ": does not exist"
	}
	return cellID + ": " + c.String()
}

// Stats returns a snapshot of the message counters
func (a *Acceptor) Stats() Stats {
	return Stats{
		In:          a.stats.in.Load(),
		Responses:   a.stats.responses.Load(),
		Outdated:    a.stats.outdated.Load(),
		Quarantined: a.stats.quarantined.Load(),
		Invalid:     a.stats.invalid.Load(),
		WrongView:   a.stats.wrongView.Load(),
		Learned:     a.stats.learned.Load(),
	}
}

// Shutdown stops message processing and removes the crash marker
func (a *Acceptor) Shutdown() error {
	if !a.quit.CompareAndSwap(false, true) {
		return nil
	}
	if err := os.Remove(a.lockfile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (a *Acceptor) String() string {
	return "Acceptor @ " + a.config.Identity
}
