package storage

import (
	"sync"

	"dbcore/common"
)

// ParallelBufferPool shards pages across several independent
// BufferPoolInstances by page id residue class, giving callers that touch
// different pages disjoint instance mutexes to contend on.
type ParallelBufferPool struct {
	instances []*BufferPoolInstance

	mu        sync.Mutex
	startIdx  int
}

// NewParallelBufferPool creates numInstances shards of poolSizePerInstance
// frames each, all backed by the same DiskManager.
func NewParallelBufferPool(poolSizePerInstance, numInstances int, disk DiskManager) *ParallelBufferPool {
	common.Assert(numInstances > 0, "num instances must be positive")
	pbp := &ParallelBufferPool{
		instances: make([]*BufferPoolInstance, numInstances),
	}
	for i := 0; i < numInstances; i++ {
		pbp.instances[i] = NewBufferPoolInstance(poolSizePerInstance, numInstances, i, disk)
	}
	return pbp
}

// instanceFor returns the shard that owns pageID.
func (pbp *ParallelBufferPool) instanceFor(pageID common.PageID) *BufferPoolInstance {
	idx := int(pageID) % len(pbp.instances)
	if idx < 0 {
		idx += len(pbp.instances)
	}
	return pbp.instances[idx]
}

// FetchPage routes to the owning instance and fetches pageID.
func (pbp *ParallelBufferPool) FetchPage(pageID common.PageID) (*PageFrame, error) {
	return pbp.instanceFor(pageID).FetchPage(pageID)
}

// NewPage round-robins its starting shard: each call starts one shard after
// the previous call's start, whichever shard actually allocated, and tries
// every shard in turn from there, so that allocation load is spread evenly
// rather than hammering instance 0.
func (pbp *ParallelBufferPool) NewPage() (common.PageID, *PageFrame, error) {
	pbp.mu.Lock()
	start := pbp.startIdx
	pbp.startIdx = (pbp.startIdx + 1) % len(pbp.instances)
	pbp.mu.Unlock()

	var lastErr error
	for i := 0; i < len(pbp.instances); i++ {
		idx := (start + i) % len(pbp.instances)
		pageID, frame, err := pbp.instances[idx].NewPage()
		if err == nil {
			return pageID, frame, nil
		}
		lastErr = err
	}
	return common.InvalidPageID, nil, lastErr
}

// UnpinPage routes to the owning instance.
func (pbp *ParallelBufferPool) UnpinPage(pageID common.PageID, setDirty bool) error {
	return pbp.instanceFor(pageID).UnpinPage(pageID, setDirty)
}

// FlushPage routes to the owning instance.
func (pbp *ParallelBufferPool) FlushPage(pageID common.PageID) error {
	return pbp.instanceFor(pageID).FlushPage(pageID)
}

// DeletePage routes to the owning instance.
func (pbp *ParallelBufferPool) DeletePage(pageID common.PageID) (bool, error) {
	return pbp.instanceFor(pageID).DeletePage(pageID)
}

// FlushAllPages fans out to every instance.
func (pbp *ParallelBufferPool) FlushAllPages() error {
	for _, inst := range pbp.instances {
		if err := inst.FlushAllPages(); err != nil {
			return err
		}
	}
	return nil
}

// NumInstances returns the number of shards.
func (pbp *ParallelBufferPool) NumInstances() int {
	return len(pbp.instances)
}
