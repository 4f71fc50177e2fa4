package acceptor

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/lease"
	"github.com/bmizerany/assert"
	"github.com/kr/pretty"
)

const start = int64(1700000000000)

var testConfig = Config{
	Identity:       "1.1",
	MessageTimeout: time.Second,
	CellTimeout:    30 * time.Second,
	RestartWait:    20 * time.Second,
}

type learnRecord struct {
	cell, holder   string
	timeout, epoch int64
}

type recorder struct {
	sync.Mutex
	learned []learnRecord
	views   []int32
}

func (r *recorder) OnLearned(cell, holder string, timeout, epoch int64) {
	r.Lock()
	defer r.Unlock()
	r.learned = append(r.learned, learnRecord{cell, holder, timeout, epoch})
}

func (r *recorder) OnViewIDChanged(cell string, view int32, fencing bool) {
	r.Lock()
	defer r.Unlock()
	r.views = append(r.views, view)
}

func newTestAcceptor(t *testing.T, dir string, clock *hlc.ManualClock, opts ...Option) *Acceptor {
	c := testConfig
	c.LockfileDir = dir
	opts = append([]Option{WithClock(clock)}, opts...)
	a, err := New(c, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func req(clock hlc.Clock, typ lease.MsgType, cell string, round int64, proposer string) *lease.Message {
	m := lease.NewRequest(typ, cell, lease.NewProposalNumber(round, proposer))
	m.SendTimestamp = clock.GlobalTime()
	return m
}

func withValue(m *lease.Message, holder string, timeout int64) *lease.Message {
	m.LeaseHolder = holder
	m.LeaseTimeout = timeout
	return m
}

func process(t *testing.T, a *Acceptor, m *lease.Message) *lease.Message {
	resp, err := a.ProcessMessage(m)
	if err != nil {
		t.Fatalf("ProcessMessage(%v): %v", m, err)
	}
	return resp
}

func TestScenario(t *testing.T) {
	clock := hlc.NewManualClock(start)
	rec := new(recorder)
	a := newTestAcceptor(t, t.TempDir(), clock, WithLearnListener(rec))
	defer a.Shutdown()

	// 1. prepare on an empty cell
	resp := process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A"))
	assert.Equal(t, lease.MsgPrepareAck, resp.Type)
	assert.Equal(t, lease.Empty, resp.PrevProposalNo)
	assert.Equal(t, "", resp.LeaseHolder)
	assert.Equal(t, int64(0), resp.LeaseTimeout)

	// 2. accept
	resp = process(t, a, withValue(req(clock, lease.MsgAccept, "c1", 1, "A"), "X", 1000))
	assert.Equal(t, lease.MsgAcceptAck, resp.Type)

	// 3. higher prepare sees the accepted value
	resp = process(t, a, req(clock, lease.MsgPrepare, "c1", 2, "B"))
	assert.Equal(t, lease.MsgPrepareAck, resp.Type)
	assert.Equal(t, lease.NewProposalNumber(1, "A"), resp.PrevProposalNo)
	assert.Equal(t, "X", resp.LeaseHolder)
	assert.Equal(t, int64(1000), resp.LeaseTimeout)

	// 4. stale accept
	resp = process(t, a, withValue(req(clock, lease.MsgAccept, "c1", 1, "A"), "Y", 2000))
	assert.Equal(t, lease.MsgAcceptNack, resp.Type)
	assert.Equal(t, lease.NewProposalNumber(2, "B"), resp.PrevProposalNo)
	assert.Equal(t, "", resp.LeaseHolder)

	// 5. learn
	learn := withValue(req(clock, lease.MsgLearn, "c1", 2, "B"), "Z", 3000)
	learn.MasterEpoch = 7
	resp = process(t, a, learn)
	assert.T(t, resp == nil)
	assert.Equal(t, []learnRecord{{"c1", "Z", 3000, 7}}, rec.learned)
	info := a.LocalLeaseInformation("c1")
	assert.Equal(t, "Z", info.LeaseHolder)
	assert.Equal(t, int64(3000), info.LeaseTimeout)
	assert.Equal(t, lease.NewProposalNumber(2, "B"), info.ProposalNo)

	// 6. low prepare after learn
	resp = process(t, a, req(clock, lease.MsgPrepare, "c1", 0, "C"))
	assert.Equal(t, lease.MsgPrepareNack, resp.Type)
	assert.Equal(t, lease.NewProposalNumber(2, "B"), resp.PrevProposalNo)
}

func TestResponsesCarryGlobalTime(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	m := req(clock, lease.MsgPrepare, "c1", 1, "A")
	clock.Advance(100 * time.Millisecond)
	resp := process(t, a, m)
	assert.Equal(t, start+100, resp.SendTimestamp)
	assert.Equal(t, "c1", resp.CellID)
	assert.Equal(t, lease.NewProposalNumber(1, "A"), resp.ProposalNo)
}

func TestAcceptAtPromisedNumber(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	process(t, a, req(clock, lease.MsgPrepare, "c1", 5, "A"))
	resp := process(t, a, withValue(req(clock, lease.MsgAccept, "c1", 5, "A"), "X", 1000))
	assert.Equal(t, lease.MsgAcceptAck, resp.Type)

	// an accept without prepare above the promise is honored and promises
	resp = process(t, a, withValue(req(clock, lease.MsgAccept, "c1", 7, "B"), "Y", 2000))
	assert.Equal(t, lease.MsgAcceptAck, resp.Type)
	resp = process(t, a, req(clock, lease.MsgPrepare, "c1", 6, "C"))
	assert.Equal(t, lease.MsgPrepareNack, resp.Type)
	assert.Equal(t, lease.NewProposalNumber(7, "B"), resp.PrevProposalNo)
}

func TestOutdatedLearnIgnored(t *testing.T) {
	clock := hlc.NewManualClock(start)
	rec := new(recorder)
	a := newTestAcceptor(t, t.TempDir(), clock, WithLearnListener(rec))
	defer a.Shutdown()

	process(t, a, req(clock, lease.MsgPrepare, "c1", 3, "A"))
	process(t, a, withValue(req(clock, lease.MsgLearn, "c1", 2, "A"), "X", 1000))
	assert.Equal(t, 0, len(rec.learned))
	assert.T(t, a.LocalLeaseInformation("c1") == nil)

	// learn at the promised number is applied
	process(t, a, withValue(req(clock, lease.MsgLearn, "c1", 3, "A"), "X", 1000))
	assert.Equal(t, 1, len(rec.learned))
	assert.Equal(t, uint64(1), a.Stats().Learned)
}

type invalidTest struct {
	name string
	msg  *lease.Message
}

func TestInvalidMessages(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	tests := []invalidTest{
		{"nil", nil},
		{"accept without holder", withValue(req(clock, lease.MsgAccept, "c1", 1, "A"), "", 1000)},
		{"accept without timeout", withValue(req(clock, lease.MsgAccept, "c1", 1, "A"), "X", 0)},
		{"learn with negative timeout", withValue(req(clock, lease.MsgLearn, "c1", 1, "A"), "X", -5)},
		{"empty cell", req(clock, lease.MsgPrepare, "", 1, "A")},
		{"empty proposer", req(clock, lease.MsgPrepare, "c1", 1, "")},
	}
	for _, tst := range tests {
		resp, err := a.ProcessMessage(tst.msg)
		assert.Tf(t, errors.Is(err, ErrInvalidMessage), "%# v", pretty.Formatter(tst))
		assert.Tf(t, resp == nil, "%# v", pretty.Formatter(tst))
	}
	assert.Equal(t, uint64(len(tests)), a.Stats().Invalid)

	// nothing was recorded for the rejected accepts
	resp := process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A"))
	assert.Equal(t, lease.Empty, resp.PrevProposalNo)
}

func TestUnknownTypeDropped(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	for _, typ := range []lease.MsgType{lease.MsgPrepareAck, lease.MsgWrongView, lease.MsgType(42)} {
		resp, err := a.ProcessMessage(req(clock, typ, "c1", 1, "A"))
		assert.Equal(t, nil, err)
		assert.T(t, resp == nil)
	}
}

// P3
func TestOutdatedMessageDropped(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	m := req(clock, lease.MsgPrepare, "c1", 1, "A")
	m.SendTimestamp = clock.GlobalTime() - testConfig.MessageTimeout.Milliseconds() - 1
	assert.T(t, process(t, a, m) == nil)
	assert.Equal(t, uint64(1), a.Stats().Outdated)

	m.SendTimestamp++
	assert.T(t, process(t, a, m) != nil)
}

type viewTest struct {
	cellView    int32
	invalidated bool
	msgView     int32
	wrongView   bool
	notified    bool
}

// P4
var viewTests = []viewTest{
	{cellView: 3, msgView: 3},
	{cellView: 3, msgView: 4, notified: true},
	{cellView: 3, msgView: 2, wrongView: true},
	{cellView: 3, invalidated: true, msgView: 3, wrongView: true},
	{cellView: 3, invalidated: true, msgView: 2, wrongView: true},
	{cellView: 3, invalidated: true, msgView: 4, notified: true},
}

func TestViewFencing(t *testing.T) {
	for _, tst := range viewTests {
		clock := hlc.NewManualClock(start)
		rec := new(recorder)
		a := newTestAcceptor(t, t.TempDir(), clock, WithViewChangeListener(rec))

		a.SetViewID("c1", tst.cellView)
		if tst.invalidated {
			a.SetViewID("c1", lease.ViewIDInvalidated)
		}
		m := req(clock, lease.MsgPrepare, "c1", 1, "A")
		m.ViewID = tst.msgView
		resp := process(t, a, m)

		if tst.wrongView {
			assert.Equalf(t, lease.MsgWrongView, resp.Type, "%# v", pretty.Formatter(tst))
			assert.Equalf(t, tst.cellView, resp.ViewID, "%# v", pretty.Formatter(tst))
		} else {
			assert.Equalf(t, lease.MsgPrepareAck, resp.Type, "%# v", pretty.Formatter(tst))
		}
		if tst.notified {
			assert.Equalf(t, []int32{tst.msgView}, rec.views, "%# v", pretty.Formatter(tst))
		} else {
			assert.Equalf(t, 0, len(rec.views), "%# v", pretty.Formatter(tst))
		}
		a.Shutdown()
	}
}

func TestOldViewFencedBeforeValueCheck(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()
	a.SetViewID("c1", 5)

	for _, typ := range []lease.MsgType{lease.MsgAccept, lease.MsgLearn} {
		resp, err := a.ProcessMessage(withValue(req(clock, typ, "c1", 1, "A"), "", 0))
		assert.Equalf(t, nil, err, "%v", typ)
		assert.Equalf(t, lease.MsgWrongView, resp.Type, "%v", typ)
		assert.Equalf(t, int32(5), resp.ViewID, "%v", typ)
	}
	assert.Equal(t, uint64(0), a.Stats().Invalid)
	assert.Equal(t, uint64(2), a.Stats().WrongView)
}

func TestHigherViewLiftsInvalidation(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	a.SetViewID("c1", 3)
	a.SetViewID("c1", lease.ViewIDInvalidated)
	a.SetViewID("c1", 4)

	m := req(clock, lease.MsgPrepare, "c1", 1, "A")
	m.ViewID = 4
	assert.Equal(t, lease.MsgPrepareAck, process(t, a, m).Type)
}

// P5
func TestIdleCellKeepsViewAndForgetsBallots(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	a.SetViewID("c1", 5)
	m := req(clock, lease.MsgPrepare, "c1", 10, "B")
	m.ViewID = 5
	process(t, a, m)
	learn := withValue(req(clock, lease.MsgLearn, "c1", 10, "B"), "X", start+1000)
	learn.ViewID = 5
	process(t, a, learn)
	assert.T(t, a.LocalLeaseInformation("c1") != nil)

	clock.Advance(testConfig.CellTimeout + time.Millisecond)
	assert.T(t, a.LocalLeaseInformation("c1") == nil)

	low := req(clock, lease.MsgPrepare, "c1", 1, "A")
	low.ViewID = 5
	resp := process(t, a, low)
	assert.Equal(t, lease.MsgPrepareAck, resp.Type)
	assert.Equal(t, lease.Empty, resp.PrevProposalNo)

	old := req(clock, lease.MsgPrepare, "c1", 20, "A")
	old.ViewID = 4
	resp = process(t, a, old)
	assert.Equal(t, lease.MsgWrongView, resp.Type)
	assert.Equal(t, int32(5), resp.ViewID)
}

func TestIdleCellKeepsInvalidation(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	a.SetViewID("c1", 2)
	a.SetViewID("c1", lease.ViewIDInvalidated)
	clock.Advance(testConfig.CellTimeout + time.Millisecond)

	m := req(clock, lease.MsgPrepare, "c1", 1, "A")
	m.ViewID = 2
	assert.Equal(t, lease.MsgWrongView, process(t, a, m).Type)
}

func TestActiveCellIsNotRecycled(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	process(t, a, req(clock, lease.MsgPrepare, "c1", 10, "B"))
	for i := 0; i < 4; i++ {
		clock.Advance(testConfig.CellTimeout / 2)
		assert.Equal(t, lease.MsgPrepareNack, process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A")).Type)
	}
}

// P6
func TestQuarantineAfterCrash(t *testing.T) {
	dir := t.TempDir()
	clock := hlc.NewManualClock(start)

	crashed := newTestAcceptor(t, dir, clock)
	_ = crashed // no Shutdown: the marker stays behind

	a := newTestAcceptor(t, dir, clock)
	defer a.Shutdown()
	assert.T(t, a.InQuarantine())
	assert.Equal(t, start+testConfig.RestartWait.Milliseconds(), a.QuarantineDeadline())

	assert.T(t, process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A")) == nil)
	clock.Advance(testConfig.RestartWait - time.Millisecond)
	assert.T(t, process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A")) == nil)
	assert.Equal(t, uint64(2), a.Stats().Quarantined)

	clock.Advance(time.Millisecond)
	assert.T(t, !a.InQuarantine())
	resp := process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A"))
	assert.Equal(t, lease.MsgPrepareAck, resp.Type)
}

func TestCleanRestart(t *testing.T) {
	dir := t.TempDir()
	clock := hlc.NewManualClock(start)

	a := newTestAcceptor(t, dir, clock)
	_, err := os.Stat(a.Lockfile())
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, a.Shutdown())
	_, err = os.Stat(a.Lockfile())
	assert.T(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, nil, a.Shutdown())

	_, err = a.ProcessMessage(req(clock, lease.MsgPrepare, "c1", 1, "A"))
	assert.Equal(t, ErrShutdown, err)

	b := newTestAcceptor(t, dir, clock)
	defer b.Shutdown()
	assert.T(t, !b.InQuarantine())
	assert.Equal(t, int64(0), b.QuarantineDeadline())
}

func TestIgnoreLockFileForTesting(t *testing.T) {
	dir := t.TempDir()
	clock := hlc.NewManualClock(start)

	newTestAcceptor(t, dir, clock)
	a := newTestAcceptor(t, dir, clock, IgnoreLockFileForTesting())
	defer a.Shutdown()
	assert.T(t, !a.InQuarantine())
	assert.Equal(t, lease.MsgPrepareAck, process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A")).Type)
}

func TestLockFileCannotBeCreated(t *testing.T) {
	c := testConfig
	c.LockfileDir = "/nonexistent/flease/dir"
	_, err := New(c)
	assert.T(t, errors.Is(err, ErrLockFile))
}

func TestInvalidConfig(t *testing.T) {
	c := testConfig
	c.LockfileDir = t.TempDir()
	c.RestartWait = 0
	_, err := New(c)
	assert.T(t, errors.Is(err, ErrConfig))

	c = testConfig
	_, err = New(c)
	assert.T(t, errors.Is(err, ErrConfig))
}

func TestLockfilePathIsPerIdentity(t *testing.T) {
	assert.Equal(t, LockfilePath("/tmp", "a"), LockfilePath("/tmp", "a"))
	assert.NotEqual(t, LockfilePath("/tmp", "a"), LockfilePath("/tmp", "b"))
}

func TestLocalState(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A"))
	process(t, a, withValue(req(clock, lease.MsgLearn, "c2", 1, "A"), "X", 1000))

	state := a.LocalState()
	assert.Equal(t, 2, len(state))
	assert.T(t, state["c1"] == nil)
	assert.Equal(t, "X", state["c2"].LeaseHolder)
}

func TestReadsDoNotWaitForHandlers(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	process(t, a, withValue(req(clock, lease.MsgLearn, "c1", 1, "A"), "X", 1000))

	cell := a.lookup("c1")
	cell.mu.Lock()
	done := make(chan struct{})
	go func() {
		a.LocalLeaseInformation("c1")
		a.LocalState()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read blocked on a locked cell")
	}
	cell.mu.Unlock()
}

func TestConcurrentCells(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	cells := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			proposer := string(rune('A' + w))
			for i := int64(1); i <= 200; i++ {
				cell := cells[int(i)%len(cells)]
				a.ProcessMessage(req(clock, lease.MsgPrepare, cell, i, proposer))
				a.ProcessMessage(withValue(req(clock, lease.MsgAccept, cell, i, proposer), proposer, 1000))
				a.LocalLeaseInformation(cell)
			}
		}(w)
	}
	wg.Wait()

	// the highest ballot any worker used wins every cell
	highest := map[string]int64{"a": 200, "b": 197, "c": 198, "d": 199}
	for _, cell := range cells {
		resp := process(t, a, req(clock, lease.MsgPrepare, cell, 0, "A"))
		assert.Equal(t, lease.MsgPrepareNack, resp.Type)
		assert.Equal(t, lease.NewProposalNumber(highest[cell], "H"), resp.PrevProposalNo)
	}
}

func TestDumpCell(t *testing.T) {
	clock := hlc.NewManualClock(start)
	a := newTestAcceptor(t, t.TempDir(), clock)
	defer a.Shutdown()

	assert.Equal(t, "c1: does not exist", a.DumpCell("c1"))
	process(t, a, req(clock, lease.MsgPrepare, "c1", 1, "A"))
	assert.NotEqual(t, "c1: does not exist", a.DumpCell("c1"))
	assert.Equal(t, "Acceptor @ 1.1", a.String())
}
