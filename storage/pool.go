package storage

import "dbcore/common"

// Pool is the subset of buffer pool behavior the hash index and other
// on-disk structures depend on. Both BufferPoolInstance and
// ParallelBufferPool satisfy it.
type Pool interface {
	FetchPage(pageID common.PageID) (*PageFrame, error)
	NewPage() (common.PageID, *PageFrame, error)
	UnpinPage(pageID common.PageID, setDirty bool) error
	FlushPage(pageID common.PageID) error
	DeletePage(pageID common.PageID) (bool, error)
}
