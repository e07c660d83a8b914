package transaction

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"dbcore/common"
)

// TransactionManager owns the lifecycle of every Transaction: allocating
// ids, tracking which are active, and releasing locks on Commit/Abort.
// Write-ahead logging and checkpointing are out of scope; Commit and Abort
// here differ only in the state they leave the transaction in.
type TransactionManager struct {
	activeTxns *xsync.MapOf[common.TxnID, *Transaction]
	lockManager *LockManager

	nextTxnID atomic.Uint64
	txnPool   sync.Pool

	defaultIsolation common.IsolationLevel
}

// NewTransactionManager creates a manager whose transactions default to
// defaultIsolation unless BeginWithIsolation overrides it.
func NewTransactionManager(lockManager *LockManager, defaultIsolation common.IsolationLevel) *TransactionManager {
	tm := &TransactionManager{
		activeTxns:       xsync.NewMapOf[common.TxnID, *Transaction](),
		lockManager:      lockManager,
		defaultIsolation: defaultIsolation,
	}
	tm.nextTxnID.Store(uint64(common.InvalidTxnID))
	tm.txnPool = sync.Pool{
		New: func() any {
			return New(common.InvalidTxnID, defaultIsolation)
		},
	}
	return tm
}

// Begin starts a new transaction at the manager's default isolation level.
func (tm *TransactionManager) Begin() *Transaction {
	return tm.BeginWithIsolation(tm.defaultIsolation)
}

// BeginWithIsolation starts a new transaction at the given isolation level.
func (tm *TransactionManager) BeginWithIsolation(isolation common.IsolationLevel) *Transaction {
	id := common.TxnID(tm.nextTxnID.Add(1))

	txn := tm.txnPool.Get().(*Transaction)
	txn.reset(id, isolation)

	tm.activeTxns.Store(id, txn)
	log.WithFields(log.Fields{"txn": id, "isolation": isolation}).Debug("transaction begin")
	return txn
}

// Commit releases every lock txn holds and retires it.
func (tm *TransactionManager) Commit(txn *Transaction) {
	txn.setState(Committed)
	tm.finish(txn)
	log.WithField("txn", txn.ID).Debug("transaction commit")
}

// Abort releases every lock txn holds and retires it. Callers are
// responsible for undoing any in-memory effects before calling Abort; the
// manager's job is only lock release and bookkeeping.
func (tm *TransactionManager) Abort(txn *Transaction) {
	txn.setState(Aborted)
	tm.finish(txn)
	log.WithField("txn", txn.ID).Debug("transaction abort")
}

func (tm *TransactionManager) finish(txn *Transaction) {
	for _, rid := range txn.HeldRowLocks() {
		tm.lockManager.Unlock(txn, rid)
	}
	tm.activeTxns.Delete(txn.ID)
	tm.txnPool.Put(txn)
}

// Lookup returns the active transaction with the given id, if any.
func (tm *TransactionManager) Lookup(id common.TxnID) (*Transaction, bool) {
	return tm.activeTxns.Load(id)
}

// ActiveTransactionIDs returns a snapshot of every currently active
// transaction id.
func (tm *TransactionManager) ActiveTransactionIDs() []common.TxnID {
	ids := make([]common.TxnID, 0, tm.activeTxns.Size())
	tm.activeTxns.Range(func(id common.TxnID, _ *Transaction) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
