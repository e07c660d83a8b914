package storage

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"dbcore/common"
)

// BufferPoolInstance is a single-shard page cache: a fixed array of frames,
// an LRU replacer choosing eviction victims among unpinned frames, and a page
// table mapping resident PageIDs to frame indices.
//
// Latching order: frame metadata (pageID, pinCount, dirty) and the page
// table change only under mu, and mu is released before a frame's PageLatch
// is taken. A FetchPage miss reads the page from disk after releasing mu,
// under the frame's PageLatch. Writing dirty pages back (on eviction,
// FlushPage, FlushAllPages) and zeroing a new page happen under mu, without
// the PageLatch.
type BufferPoolInstance struct {
	mu sync.Mutex

	disk          DiskManager
	frames        []PageFrame
	replacer      *LRUReplacer
	freeList      []common.FrameID
	pageTable     *xsync.MapOf[common.PageID, common.FrameID]
	numInstances  int
	instanceIndex int
	nextPageID    common.PageID
}

// NewBufferPoolInstance creates one shard of a ParallelBufferPool.
// instanceIndex and numInstances determine which residue class of page ids
// this instance allocates: the first page id it hands out is instanceIndex,
// and every subsequent allocation advances by numInstances.
func NewBufferPoolInstance(poolSize, numInstances, instanceIndex int, disk DiskManager) *BufferPoolInstance {
	common.Assert(poolSize > 0, "pool size must be positive")
	common.Assert(numInstances > 0, "num instances must be positive")
	common.Assert(instanceIndex >= 0 && instanceIndex < numInstances, "instance index out of range")

	bp := &BufferPoolInstance{
		disk:          disk,
		frames:        make([]PageFrame, poolSize),
		replacer:      NewLRUReplacer(),
		freeList:      make([]common.FrameID, poolSize),
		pageTable:     xsync.NewMapOf[common.PageID, common.FrameID](),
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    common.PageID(instanceIndex),
	}
	for i := range bp.freeList {
		bp.freeList[i] = common.FrameID(poolSize - 1 - i)
	}
	return bp
}

// allocatePageID hands out the next page id owned by this instance. Callers
// must hold mu.
func (bp *BufferPoolInstance) allocatePageID() common.PageID {
	id := bp.nextPageID
	bp.nextPageID += common.PageID(bp.numInstances)
	common.Assert(int(id)%bp.numInstances == bp.instanceIndex, "allocated page id outside instance's residue class")
	return id
}

// findFrame returns a frame available for (re)use: from the free list if one
// exists, otherwise by evicting the LRU victim (flushing it first if dirty).
// Callers must hold mu. Returns common.ErrBufferFull if every frame is
// pinned.
func (bp *BufferPoolInstance) findFrame() (common.FrameID, error) {
	if n := len(bp.freeList); n > 0 {
		fid := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return fid, nil
	}

	fid, ok := bp.replacer.Victim()
	if !ok {
		return 0, common.NewError(common.ErrBufferFull, "no evictable frame: all %d frames pinned", len(bp.frames))
	}

	frame := &bp.frames[fid]
	if frame.dirty {
		if err := bp.flushFrameLocked(fid); err != nil {
			return 0, err
		}
	}
	bp.pageTable.Delete(frame.pageID)
	frame.pageID = common.InvalidPageID
	frame.pinCount = 0
	frame.dirty = false
	return fid, nil
}

// flushFrameLocked writes frame fid's current bytes to disk. Callers must
// hold mu. It does not take the frame's PageLatch: mu alone is the ordering
// boundary between this and every other buffer pool operation, and taking
// PageLatch here too would invert the order callers that hold a page latch
// across a NewPage/FetchPage call rely on (mu is always released before a
// PageLatch is taken, never the other way around).
func (bp *BufferPoolInstance) flushFrameLocked(fid common.FrameID) error {
	frame := &bp.frames[fid]
	if err := bp.disk.WritePage(frame.pageID, frame.Bytes[:]); err != nil {
		return err
	}
	frame.dirty = false
	return nil
}

// FetchPage pins and returns the frame holding pageID, loading it from disk
// if it is not already resident.
func (bp *BufferPoolInstance) FetchPage(pageID common.PageID) (*PageFrame, error) {
	bp.mu.Lock()
	if fid, ok := bp.pageTable.Load(pageID); ok {
		frame := &bp.frames[fid]
		frame.pinCount++
		if frame.pinCount == 1 {
			bp.replacer.Pin(fid)
		}
		bp.mu.Unlock()
		return frame, nil
	}

	fid, err := bp.findFrame()
	if err != nil {
		bp.mu.Unlock()
		return nil, err
	}
	frame := &bp.frames[fid]
	bp.pageTable.Store(pageID, fid)
	frame.pageID = pageID
	frame.pinCount = 1
	frame.dirty = false
	bp.replacer.Pin(fid)
	bp.mu.Unlock()

	frame.PageLatch.Lock()
	err = bp.disk.ReadPage(pageID, frame.Bytes[:])
	frame.PageLatch.Unlock()
	if err != nil {
		bp.UnpinPage(pageID, false)
		return nil, err
	}
	return frame, nil
}

// NewPage allocates a fresh page owned by this instance, pins its frame, and
// returns both. It returns common.ErrBufferFull if no frame is available.
func (bp *BufferPoolInstance) NewPage() (common.PageID, *PageFrame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	allPinned := true
	for i := range bp.frames {
		if bp.frames[i].pageID == common.InvalidPageID || bp.frames[i].pinCount == 0 {
			allPinned = false
			break
		}
	}
	if allPinned {
		return common.InvalidPageID, nil, common.NewError(common.ErrBufferFull, "all %d frames pinned", len(bp.frames))
	}

	fid, err := bp.findFrame()
	if err != nil {
		return common.InvalidPageID, nil, err
	}

	pageID := bp.allocatePageID()
	frame := &bp.frames[fid]
	frame.pageID = pageID
	frame.pinCount = 1
	frame.dirty = false
	for i := range frame.Bytes {
		frame.Bytes[i] = 0
	}
	bp.pageTable.Store(pageID, fid)
	bp.replacer.Pin(fid)

	log.WithFields(log.Fields{"page": pageID, "instance": bp.instanceIndex}).Trace("allocated new page")
	return pageID, frame, nil
}

// UnpinPage decrements pageID's pin count. If setDirty is true the page is
// marked dirty so it will be flushed before eviction. Once the pin count
// reaches zero the frame becomes eligible for eviction.
func (bp *BufferPoolInstance) UnpinPage(pageID common.PageID, setDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable.Load(pageID)
	if !ok {
		return common.NewError(common.ErrNotFound, "page %s not resident", pageID)
	}
	frame := &bp.frames[fid]
	common.Assert(frame.pinCount > 0, "unpinning page %s with zero pin count", pageID)

	if setDirty {
		frame.dirty = true
	}
	frame.pinCount--
	if frame.pinCount == 0 {
		bp.replacer.Unpin(fid)
	}
	return nil
}

// FlushPage writes pageID's current content to disk, regardless of pin
// count, and clears its dirty bit.
func (bp *BufferPoolInstance) FlushPage(pageID common.PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable.Load(pageID)
	if !ok {
		return common.NewError(common.ErrNotFound, "page %s not resident", pageID)
	}
	return bp.flushFrameLocked(fid)
}

// FlushAllPages writes every dirty resident page to disk.
func (bp *BufferPoolInstance) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for i := range bp.frames {
		if bp.frames[i].pageID.IsValid() && bp.frames[i].dirty {
			if err := bp.flushFrameLocked(common.FrameID(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeletePage removes pageID from the buffer pool, returning its frame to the
// free list. It returns false (no error) if the page is pinned and cannot be
// deleted, and true if the page was absent or was deleted successfully.
func (bp *BufferPoolInstance) DeletePage(pageID common.PageID) (bool, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable.Load(pageID)
	if !ok {
		return true, nil
	}
	frame := &bp.frames[fid]
	if frame.pinCount > 0 {
		return false, nil
	}

	bp.replacer.Pin(fid)
	bp.pageTable.Delete(pageID)
	frame.pageID = common.InvalidPageID
	frame.pinCount = 0
	frame.dirty = false
	bp.freeList = append(bp.freeList, fid)
	return true, nil
}
