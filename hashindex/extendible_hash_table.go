package hashindex

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"dbcore/common"
	"dbcore/storage"
)

// ExtendibleHashTable is a disk-backed hash index built on a buffer pool
// Pool. A single directory page maps each hashed key's low globalDepth bits
// to a bucket page; buckets split (doubling the directory if needed) when
// they overflow, and merge back with their split image when they empty out.
//
// Latching order: tableLatch, then a bucket page's PageLatch, taken while
// the corresponding frame is pinned in the pool. Reads (GetValue, Insert's
// fast path) only need tableLatch.RLock(); any operation that can change
// which bucket a directory slot points to (SplitInsert, Merge) needs
// tableLatch.Lock().
type ExtendibleHashTable struct {
	tableLatch sync.RWMutex
	pool       storage.Pool
	dirPageID  common.PageID
}

// NewExtendibleHashTable allocates a fresh directory page and a single
// bucket page (directory slot 0, local depth 0) and returns a table backed
// by pool.
func NewExtendibleHashTable(pool storage.Pool) (*ExtendibleHashTable, error) {
	dirPageID, dirFrame, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	bucketPageID, bucketFrame, err := pool.NewPage()
	if err != nil {
		_, _ = pool.DeletePage(dirPageID)
		return nil, err
	}
	_ = bucketFrame

	dir := asDirectoryPage(dirFrame)
	dir.SetGlobalDepth(0)
	dir.SetLocalDepth(0, 0)
	dir.SetBucketPageID(0, bucketPageID)

	if err := pool.UnpinPage(bucketPageID, true); err != nil {
		return nil, err
	}
	if err := pool.UnpinPage(dirPageID, true); err != nil {
		return nil, err
	}

	return &ExtendibleHashTable{pool: pool, dirPageID: dirPageID}, nil
}

// OpenExtendibleHashTable wraps an existing hash index whose directory page
// is already at dirPageID (e.g. recovered from a prior run).
func OpenExtendibleHashTable(pool storage.Pool, dirPageID common.PageID) *ExtendibleHashTable {
	return &ExtendibleHashTable{pool: pool, dirPageID: dirPageID}
}

func hashKey(key Key) uint32 {
	return common.Hash32(key[:])
}

// keyToDirectoryIndex maps key to the directory slot that currently owns it.
func keyToDirectoryIndex(key Key, dir directoryPage) uint32 {
	return hashKey(key) & dir.GlobalDepthMask()
}

// fetchBucketForKey fetches and pins the directory page and the bucket page
// that currently owns key. The caller must unpin both.
func (h *ExtendibleHashTable) fetchBucketForKey(key Key) (dirFrame *storage.PageFrame, bucketFrame *storage.PageFrame, bucketIdx uint32, bucketPageID common.PageID, err error) {
	dirFrame, err = h.pool.FetchPage(h.dirPageID)
	if err != nil {
		return nil, nil, 0, common.InvalidPageID, err
	}
	dir := asDirectoryPage(dirFrame)
	bucketIdx = keyToDirectoryIndex(key, dir)
	bucketPageID = dir.BucketPageID(bucketIdx)

	bucketFrame, err = h.pool.FetchPage(bucketPageID)
	if err != nil {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return nil, nil, 0, common.InvalidPageID, err
	}
	return dirFrame, bucketFrame, bucketIdx, bucketPageID, nil
}

// GetValue returns every value stored under key.
func (h *ExtendibleHashTable) GetValue(key Key) ([]common.RowID, error) {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dirFrame, bucketFrame, _, bucketPageID, err := h.fetchBucketForKey(key)
	if err != nil {
		return nil, err
	}

	bucketFrame.PageLatch.RLock()
	var result []common.RowID
	asBucketPage(bucketFrame).GetValue(key, &result)
	bucketFrame.PageLatch.RUnlock()

	_ = h.pool.UnpinPage(bucketPageID, false)
	_ = h.pool.UnpinPage(h.dirPageID, false)
	_ = dirFrame
	return result, nil
}

// Insert adds (key, value). It returns common.ErrDuplicateEntry if the exact
// pair already exists.
func (h *ExtendibleHashTable) Insert(key Key, value common.RowID) error {
	h.tableLatch.RLock()
	dirFrame, bucketFrame, _, bucketPageID, err := h.fetchBucketForKey(key)
	if err != nil {
		h.tableLatch.RUnlock()
		return err
	}
	_ = dirFrame

	bucketFrame.PageLatch.Lock()
	bucket := asBucketPage(bucketFrame)
	full := bucket.IsFull()
	var insertErr error
	if !full {
		if !bucket.Insert(key, value) {
			insertErr = common.NewError(common.ErrDuplicateEntry, "key already maps to this value")
		}
	}
	bucketFrame.PageLatch.Unlock()

	_ = h.pool.UnpinPage(bucketPageID, !full && insertErr == nil)
	_ = h.pool.UnpinPage(h.dirPageID, false)
	h.tableLatch.RUnlock()

	if full {
		return h.splitInsert(key, value)
	}
	return insertErr
}

// splitInsert handles the overflow case for Insert: it grows the directory
// if needed, allocates a new bucket page, redistributes the old bucket's
// entries between the old and new bucket, and retries the insert.
func (h *ExtendibleHashTable) splitInsert(key Key, value common.RowID) error {
	h.tableLatch.Lock()
	defer h.tableLatch.Unlock()

	dirFrame, err := h.pool.FetchPage(h.dirPageID)
	if err != nil {
		return err
	}
	dir := asDirectoryPage(dirFrame)
	bucketIdx := keyToDirectoryIndex(key, dir)
	oldBucketPageID := dir.BucketPageID(bucketIdx)

	oldBucketFrame, err := h.pool.FetchPage(oldBucketPageID)
	if err != nil {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return err
	}
	oldBucketFrame.PageLatch.Lock()
	oldBucket := asBucketPage(oldBucketFrame)

	// Another writer may have already split this bucket between our fast
	// path giving up and taking the write latch; re-check.
	if !oldBucket.IsFull() {
		ok := oldBucket.Insert(key, value)
		oldBucketFrame.PageLatch.Unlock()
		_ = h.pool.UnpinPage(oldBucketPageID, ok)
		_ = h.pool.UnpinPage(h.dirPageID, false)
		if !ok {
			return common.NewError(common.ErrDuplicateEntry, "key already maps to this value")
		}
		return nil
	}

	localDepth := dir.LocalDepth(bucketIdx)
	if uint32(localDepth) == dir.GlobalDepth() {
		if dir.GlobalDepth() >= MaxDepth {
			oldBucketFrame.PageLatch.Unlock()
			_ = h.pool.UnpinPage(oldBucketPageID, false)
			_ = h.pool.UnpinPage(h.dirPageID, false)
			return common.NewError(common.ErrIllegalState, "directory already at MaxDepth, cannot split further")
		}
		dir.IncrGlobalDepth()
	}

	newBucketPageID, newBucketFrame, err := h.pool.NewPage()
	if err != nil {
		oldBucketFrame.PageLatch.Unlock()
		_ = h.pool.UnpinPage(oldBucketPageID, false)
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return err
	}
	newBucket := asBucketPage(newBucketFrame)

	dir.IncrLocalDepth(bucketIdx)
	newLocalDepth := dir.LocalDepth(bucketIdx)
	mask := dir.LocalDepthMask(bucketIdx)

	size := dir.Size()
	for i := uint32(0); i < size; i++ {
		if dir.BucketPageID(i) != oldBucketPageID {
			continue
		}
		dir.SetLocalDepth(i, newLocalDepth)
		if (i & mask) != (bucketIdx & mask) {
			dir.SetBucketPageID(i, newBucketPageID)
		}
	}

	for i := 0; i < bucketArraySize; i++ {
		if !oldBucket.isReadable(i) {
			continue
		}
		k := oldBucket.keyAt(i)
		v := oldBucket.valueAt(i)
		targetIdx := hashKey(k) & mask
		if (targetIdx) != (bucketIdx & mask) {
			newBucket.Insert(k, v)
			oldBucket.setUnreadable(i)
		}
	}

	var insertErr error
	targetIsNew := (hashKey(key) & mask) != (bucketIdx & mask)
	if targetIsNew {
		if !newBucket.Insert(key, value) {
			insertErr = common.NewError(common.ErrDuplicateEntry, "key already maps to this value")
		}
	} else {
		if !oldBucket.Insert(key, value) {
			insertErr = common.NewError(common.ErrDuplicateEntry, "key already maps to this value")
		}
	}

	oldBucketFrame.PageLatch.Unlock()
	_ = h.pool.UnpinPage(oldBucketPageID, true)
	_ = h.pool.UnpinPage(newBucketPageID, true)
	_ = h.pool.UnpinPage(h.dirPageID, true)

	log.WithFields(log.Fields{"bucket": bucketIdx, "new_local_depth": newLocalDepth}).Debug("hash bucket split")
	return insertErr
}

// Remove deletes the (key, value) pair and, if the owning bucket becomes
// empty, merges it with its split image.
func (h *ExtendibleHashTable) Remove(key Key, value common.RowID) (bool, error) {
	h.tableLatch.RLock()
	dirFrame, bucketFrame, bucketIdx, bucketPageID, err := h.fetchBucketForKey(key)
	if err != nil {
		h.tableLatch.RUnlock()
		return false, err
	}
	_ = dirFrame

	bucketFrame.PageLatch.Lock()
	bucket := asBucketPage(bucketFrame)
	removed := bucket.Remove(key, value)
	empty := bucket.IsEmpty()
	bucketFrame.PageLatch.Unlock()

	_ = h.pool.UnpinPage(bucketPageID, removed)
	_ = h.pool.UnpinPage(h.dirPageID, false)
	h.tableLatch.RUnlock()

	if removed && empty {
		if err := h.merge(bucketIdx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// merge collapses the bucket at directoryIdx into its split image, if the
// split image is at the same local depth and the bucket is still empty.
// It then shrinks the directory as far as CanShrink allows.
func (h *ExtendibleHashTable) merge(directoryIdx uint32) error {
	h.tableLatch.Lock()
	defer h.tableLatch.Unlock()

	dirFrame, err := h.pool.FetchPage(h.dirPageID)
	if err != nil {
		return err
	}
	dir := asDirectoryPage(dirFrame)

	if directoryIdx >= dir.Size() {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return nil
	}

	bucketPageID := dir.BucketPageID(directoryIdx)
	localDepth := dir.LocalDepth(directoryIdx)
	if localDepth == 0 {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return nil
	}

	splitIdx := dir.GetSplitImageIndex(directoryIdx)
	splitPageID := dir.BucketPageID(splitIdx)
	splitLocalDepth := dir.LocalDepth(splitIdx)

	if splitLocalDepth != localDepth {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return nil
	}

	bucketFrame, err := h.pool.FetchPage(bucketPageID)
	if err != nil {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return err
	}
	bucketFrame.PageLatch.RLock()
	stillEmpty := asBucketPage(bucketFrame).IsEmpty()
	bucketFrame.PageLatch.RUnlock()
	_ = h.pool.UnpinPage(bucketPageID, false)

	if !stillEmpty {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		return nil
	}

	size := dir.Size()
	for i := uint32(0); i < size; i++ {
		if dir.BucketPageID(i) == bucketPageID || dir.BucketPageID(i) == splitPageID {
			dir.SetBucketPageID(i, splitPageID)
			dir.SetLocalDepth(i, splitLocalDepth-1)
		}
	}

	if _, err := h.pool.DeletePage(bucketPageID); err != nil {
		_ = h.pool.UnpinPage(h.dirPageID, true)
		return err
	}

	for dir.CanShrink() {
		dir.DecrGlobalDepth()
	}

	_ = h.pool.UnpinPage(h.dirPageID, true)
	log.WithFields(log.Fields{"merged_bucket": bucketPageID, "into": splitPageID}).Debug("hash buckets merged")
	return nil
}

// VerifyIntegrity checks the directory's extendible hashing invariants and
// returns an error describing the first violation found, if any. Intended
// for offline diagnostics, not the hot path.
func (h *ExtendibleHashTable) VerifyIntegrity() (err error) {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dirFrame, ferr := h.pool.FetchPage(h.dirPageID)
	if ferr != nil {
		return ferr
	}
	defer func() {
		_ = h.pool.UnpinPage(h.dirPageID, false)
		if r := recover(); r != nil {
			err = common.NewError(common.ErrIllegalState, "directory integrity check failed: %v", r)
		}
	}()

	asDirectoryPage(dirFrame).VerifyIntegrity()
	return nil
}

// DirectoryPageID returns the page id of the table's directory page, for
// callers that need to persist or report it.
func (h *ExtendibleHashTable) DirectoryPageID() common.PageID {
	return h.dirPageID
}

// ExtraMerge attempts to cascade a merge one level further: if the bucket
// owning key has already been merged away and its surviving split image is
// itself empty, this collapses that split image into ITS split image too.
// Remove only performs one merge level automatically; callers doing bulk
// deletes may call ExtraMerge afterwards to reclaim directory space that a
// single Remove call left behind.
func (h *ExtendibleHashTable) ExtraMerge(key Key) error {
	h.tableLatch.RLock()
	dirFrame, err := h.pool.FetchPage(h.dirPageID)
	if err != nil {
		h.tableLatch.RUnlock()
		return err
	}
	dir := asDirectoryPage(dirFrame)
	idx := keyToDirectoryIndex(key, dir)
	_ = h.pool.UnpinPage(h.dirPageID, false)
	h.tableLatch.RUnlock()
	_ = dirFrame

	return h.merge(idx)
}
