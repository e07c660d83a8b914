package transaction

import (
	"sync"

	"dbcore/common"
)

// State tracks a transaction's position in the two-phase locking protocol:
// a transaction acquires new locks while Growing, stops acquiring once
// Shrinking (except that a ReadCommitted transaction may still take shared
// locks), and ends in Committed or Aborted.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "Growing"
	case Shrinking:
		return "Shrinking"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	}
	return "Unknown"
}

// Transaction is the runtime state a transaction's locking decisions are
// made against: its id (used for wound-wait ordering), isolation level, 2PL
// state, and the set of row locks it currently holds.
type Transaction struct {
	ID        common.TxnID
	Isolation common.IsolationLevel

	mu             sync.Mutex
	state          State
	sharedLocks    map[common.RowID]struct{}
	exclusiveLocks map[common.RowID]struct{}
}

// New creates a transaction in the Growing state.
func New(id common.TxnID, isolation common.IsolationLevel) *Transaction {
	return &Transaction{
		ID:             id,
		Isolation:      isolation,
		state:          Growing,
		sharedLocks:    make(map[common.RowID]struct{}),
		exclusiveLocks: make(map[common.RowID]struct{}),
	}
}

// reset reinitializes a pooled transaction for reuse with a new id and
// isolation level. Callers must not hold a reference to the transaction's
// previous identity after calling this.
func (t *Transaction) reset(id common.TxnID, isolation common.IsolationLevel) {
	t.mu.Lock()
	t.ID = id
	t.Isolation = isolation
	t.state = Growing
	for k := range t.sharedLocks {
		delete(t.sharedLocks, k)
	}
	for k := range t.exclusiveLocks {
		delete(t.exclusiveLocks, k)
	}
	t.mu.Unlock()
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transaction) holdsShared(rid common.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedLocks[rid]
	return ok
}

func (t *Transaction) holdsExclusive(rid common.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveLocks[rid]
	return ok
}

func (t *Transaction) recordShared(rid common.RowID) {
	t.mu.Lock()
	t.sharedLocks[rid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) recordExclusive(rid common.RowID) {
	t.mu.Lock()
	t.exclusiveLocks[rid] = struct{}{}
	delete(t.sharedLocks, rid)
	t.mu.Unlock()
}

func (t *Transaction) forgetLock(rid common.RowID) (wasShared, wasExclusive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sharedLocks[rid]; ok {
		delete(t.sharedLocks, rid)
		wasShared = true
	}
	if _, ok := t.exclusiveLocks[rid]; ok {
		delete(t.exclusiveLocks, rid)
		wasExclusive = true
	}
	return
}

// HeldRowLocks returns every row this transaction currently locks, for use
// by Commit/Abort when releasing everything at once.
func (t *Transaction) HeldRowLocks() []common.RowID {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := make([]common.RowID, 0, len(t.sharedLocks)+len(t.exclusiveLocks))
	for rid := range t.sharedLocks {
		rows = append(rows, rid)
	}
	for rid := range t.exclusiveLocks {
		rows = append(rows, rid)
	}
	return rows
}
