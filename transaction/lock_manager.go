package transaction

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"dbcore/common"
)

// LockMode is the granularity of access a transaction holds on a row: S
// (shared, for reads) or X (exclusive, for writes). dbcore arbitrates only
// row-level S/X locks; there is no multi-granularity lock hierarchy.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "Exclusive"
	}
	return "Shared"
}

func compatible(a, b LockMode) bool {
	return a == Shared && b == Shared
}

type lockRequest struct {
	txn     *Transaction
	mode    LockMode
	granted bool
}

// lockQueue is the wait/hold state for a single row. Every mutation happens
// under mu; cond wakes waiters whenever the granted set might have changed.
type lockQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading bool
}

func (q *lockQueue) init() {
	q.requests = q.requests[:0]
	q.upgrading = false
}

func (q *lockQueue) empty() bool {
	return len(q.requests) == 0
}

// LockManager grants and tracks S/X row locks using wound-wait deadlock
// prevention: when an older transaction requests a lock a younger holder is
// blocking, the younger transaction is wounded (aborted) rather than making
// the older transaction wait, which rules out deadlock cycles by construction.
type LockManager struct {
	table     *xsync.MapOf[common.RowID, *lockQueue]
	queuePool sync.Pool
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		table: xsync.NewMapOf[common.RowID, *lockQueue](),
		queuePool: sync.Pool{
			New: func() any {
				q := &lockQueue{requests: make([]*lockRequest, 0, 4)}
				q.cond = sync.NewCond(&q.mu)
				return q
			},
		},
	}
}

func (lm *LockManager) queueFor(rid common.RowID) *lockQueue {
	for {
		q, ok := lm.table.Load(rid)
		if ok {
			return q
		}
		newQ := lm.queuePool.Get().(*lockQueue)
		newQ.init()
		actual, loaded := lm.table.LoadOrStore(rid, newQ)
		if loaded {
			lm.queuePool.Put(newQ)
			return actual
		}
		return newQ
	}
}

// grantLocked walks the queue front-to-back and grants a leading run of
// shared requests, or a single exclusive request if no shared lock is held
// anywhere in the queue. Callers must hold q.mu.
func grantLocked(q *lockQueue) {
	holdsExclusive, holdsShared := false, false
	for _, r := range q.requests {
		if !r.granted {
			continue
		}
		if r.mode == Exclusive {
			holdsExclusive = true
		} else {
			holdsShared = true
		}
	}

	if !holdsExclusive {
		for _, r := range q.requests {
			if r.granted {
				continue
			}
			if r.mode == Shared {
				r.granted = true
				holdsShared = true
				continue
			}
			// An ungranted exclusive request only jumps the queue if no
			// shared lock is out; otherwise it and everyone behind it wait.
			if holdsShared {
				break
			}
			r.granted = true
			break
		}
	}
	q.cond.Broadcast()
}

// woundConflicting implements the wound-wait rule for a request arriving on
// rid: every granted holder that conflicts with mode and is younger than
// requester is aborted and dropped from the queue (wounded); any
// conflicting holder older than requester means the requester must wait.
// Ungranted waiters are treated the same way so a younger waiter can't keep
// blocking behind a requester that is itself about to wait on someone older.
// Callers must hold q.mu.
func woundConflicting(q *lockQueue, rid common.RowID, requester *Transaction, mode LockMode) (mustWait bool) {
	kept := make([]*lockRequest, 0, len(q.requests))
	for _, r := range q.requests {
		if r.txn == requester || compatible(mode, r.mode) {
			kept = append(kept, r)
			continue
		}
		if r.txn.ID > requester.ID {
			r.txn.setState(Aborted)
			r.txn.forgetLock(rid)
			continue
		}
		mustWait = true
		kept = append(kept, r)
	}
	q.requests = kept
	return mustWait
}

// checkAcquirable enforces the two-phase-locking / isolation-level rules
// for acquiring a fresh lock. It may transition txn to Aborted.
func checkAcquirable(txn *Transaction, mode LockMode) error {
	if mode == Shared && txn.Isolation == common.ReadUncommitted {
		txn.setState(Aborted)
		return common.NewError(common.ErrIllegalState, "txn %d: shared locks are never taken under ReadUncommitted", txn.ID)
	}
	if txn.State() == Shrinking {
		if mode == Exclusive || txn.Isolation == common.RepeatableRead {
			txn.setState(Aborted)
			return common.NewError(common.ErrIllegalState, "txn %d: cannot acquire %s lock while Shrinking", txn.ID, mode)
		}
	}
	return nil
}

func (lm *LockManager) acquire(txn *Transaction, rid common.RowID, mode LockMode) error {
	if err := checkAcquirable(txn, mode); err != nil {
		return err
	}

	q := lm.queueFor(rid)
	q.mu.Lock()

	if mode == Shared && (txn.holdsShared(rid) || txn.holdsExclusive(rid)) {
		q.mu.Unlock()
		return nil
	}
	if mode == Exclusive && txn.holdsExclusive(rid) {
		q.mu.Unlock()
		return nil
	}
	if mode == Exclusive && txn.holdsShared(rid) {
		q.mu.Unlock()
		return common.NewError(common.ErrIllegalState, "txn %d holds only a shared lock on %s; call LockUpgrade", txn.ID, rid)
	}

	mustWait := woundConflicting(q, rid, txn, mode)
	req := &lockRequest{txn: txn, mode: mode}
	q.requests = append(q.requests, req)
	grantLocked(q)

	for !req.granted && txn.State() != Aborted {
		q.cond.Wait()
	}
	_ = mustWait

	if txn.State() == Aborted {
		removeRequest(q, req)
		q.mu.Unlock()
		return common.NewError(common.ErrDeadlock, "txn %d wounded while waiting for %s on %s", txn.ID, mode, rid)
	}
	q.mu.Unlock()

	if mode == Shared {
		txn.recordShared(rid)
	} else {
		txn.recordExclusive(rid)
	}
	return nil
}

// LockShared acquires a shared (read) lock on rid, blocking until it is
// granted. It is idempotent if the transaction already holds S or X.
func (lm *LockManager) LockShared(txn *Transaction, rid common.RowID) error {
	return lm.acquire(txn, rid, Shared)
}

// LockExclusive acquires an exclusive (write) lock on rid, blocking until it
// is granted. It returns common.ErrIllegalState if the transaction already
// holds only a shared lock on rid: callers in that situation must call
// LockUpgrade instead, mirroring original_source's LockExclusive/LockUpgrade
// split rather than silently promoting the lock here.
func (lm *LockManager) LockExclusive(txn *Transaction, rid common.RowID) error {
	return lm.acquire(txn, rid, Exclusive)
}

// LockUpgrade converts an already-held S lock on rid into X, blocking until
// granted. Only one upgrade may be pending per row at a time; a second
// concurrent upgrader is aborted and gets common.ErrIllegalState. It returns
// common.ErrIllegalState if txn does not currently hold a shared lock on rid.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid common.RowID) error {
	if txn.State() == Aborted {
		return common.NewError(common.ErrDeadlock, "txn %d already aborted", txn.ID)
	}
	if txn.holdsExclusive(rid) {
		return nil
	}
	if !txn.holdsShared(rid) {
		return common.NewError(common.ErrIllegalState, "txn %d does not hold a shared lock on %s to upgrade", txn.ID, rid)
	}
	return lm.upgrade(txn, rid)
}

// upgrade converts an already-held S lock into X. Only one upgrade may be
// pending per row at a time; a second concurrent upgrader is aborted.
func (lm *LockManager) upgrade(txn *Transaction, rid common.RowID) error {
	if err := checkAcquirable(txn, Exclusive); err != nil {
		return err
	}

	q := lm.queueFor(rid)
	q.mu.Lock()

	// The requester may have been wounded by another transaction's
	// woundConflicting between LockUpgrade's checks above (taken without
	// q.mu) and here: that call removes the wounded request from the queue
	// and aborts it, so neither the state nor the request is guaranteed to
	// still look the way it did a moment ago.
	if txn.State() == Aborted {
		q.mu.Unlock()
		return common.NewError(common.ErrDeadlock, "txn %d was wounded before its upgrade on %s began", txn.ID, rid)
	}
	if q.upgrading {
		txn.setState(Aborted)
		q.mu.Unlock()
		return common.NewError(common.ErrIllegalState, "txn %d: another upgrade is already pending on %s", txn.ID, rid)
	}

	var selfReq *lockRequest
	for _, r := range q.requests {
		if r.txn == txn {
			selfReq = r
			break
		}
	}
	if selfReq == nil {
		q.mu.Unlock()
		return common.NewError(common.ErrDeadlock, "txn %d: lock request on %s vanished before upgrade", txn.ID, rid)
	}
	q.upgrading = true

	woundConflicting(q, rid, txn, Exclusive)
	selfReq.mode = Exclusive
	selfReq.granted = false
	grantLocked(q)

	for !selfReq.granted && txn.State() != Aborted {
		q.cond.Wait()
	}
	q.upgrading = false

	if txn.State() == Aborted {
		removeRequest(q, selfReq)
		q.cond.Broadcast()
		q.mu.Unlock()
		return common.NewError(common.ErrDeadlock, "txn %d wounded while upgrading lock on %s", txn.ID, rid)
	}
	q.mu.Unlock()

	txn.recordExclusive(rid)
	return nil
}

func removeRequest(q *lockQueue, target *lockRequest) {
	for i, r := range q.requests {
		if r == target {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// Unlock releases txn's lock on rid and applies the two-phase-locking state
// transition: releasing X always moves Growing->Shrinking; releasing S does
// too, but only under RepeatableRead (ReadCommitted's S locks are meant to
// be released immediately after a read and do not end the growing phase).
func (lm *LockManager) Unlock(txn *Transaction, rid common.RowID) {
	wasShared, wasExclusive := txn.forgetLock(rid)
	if !wasShared && !wasExclusive {
		return
	}

	if wasExclusive || (wasShared && txn.Isolation == common.RepeatableRead) {
		if txn.State() == Growing {
			txn.setState(Shrinking)
		}
	}

	q := lm.queueFor(rid)
	q.mu.Lock()
	for i, r := range q.requests {
		if r.txn == txn && r.granted {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	grantLocked(q)
	if q.empty() {
		lm.table.Delete(rid)
		lm.queuePool.Put(q)
	}
	q.mu.Unlock()

	log.WithFields(log.Fields{"txn": txn.ID, "row": rid}).Trace("lock released")
}

// LockHeld reports whether any transaction currently holds a granted lock on
// rid.
func (lm *LockManager) LockHeld(rid common.RowID) bool {
	q, ok := lm.table.Load(rid)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.requests {
		if r.granted {
			return true
		}
	}
	return false
}
