package acceptor

// LearnEventListener is told about every lease the acceptor learns. It is
// called synchronously while the cell is locked and must not call back into
// the Acceptor for the same cell.
type LearnEventListener interface {
	OnLearned(cellID, leaseHolder string, leaseTimeout, masterEpoch int64)
}

// ViewChangeListener is told when a request carries a view newer than the
// cell's. Same locking rules as LearnEventListener.
type ViewChangeListener interface {
	OnViewIDChanged(cellID string, viewID int32, fencing bool)
}

type LearnEventListenerFunc func(cellID, leaseHolder string, leaseTimeout, masterEpoch int64)

func (f LearnEventListenerFunc) OnLearned(cellID, leaseHolder string, leaseTimeout, masterEpoch int64) {
	f(cellID, leaseHolder, leaseTimeout, masterEpoch)
}

type ViewChangeListenerFunc func(cellID string, viewID int32, fencing bool)

func (f ViewChangeListenerFunc) OnViewIDChanged(cellID string, viewID int32, fencing bool) {
	f(cellID, viewID, fencing)
}

type nopListener struct{}

func (nopListener) OnLearned(string, string, int64, int64) {}
func (nopListener) OnViewIDChanged(string, int32, bool)    {}
