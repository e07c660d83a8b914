package storage

import (
	"sync"

	"dbcore/common"
)

// pageFrameMetadata tracks the bookkeeping state of a resident page that must
// be mutated only while the owning buffer pool instance's mutex is held.
type pageFrameMetadata struct {
	pageID   common.PageID
	pinCount int
	dirty    bool
}

// PageFrame is a physical slot of memory holding one page's worth of bytes.
// PageLatch protects the Bytes content itself from concurrent readers and
// writers; it is distinct from the instance mutex that protects pageID,
// pinCount, and dirty (see the buffer pool's latching order).
type PageFrame struct {
	Bytes     [common.PageSize]byte
	PageLatch sync.RWMutex

	pageFrameMetadata
}

// PageID returns the page currently resident in this frame.
func (f *PageFrame) PageID() common.PageID {
	return f.pageID
}

// Dirty reports whether the frame has been modified since it was last
// flushed to disk.
func (f *PageFrame) Dirty() bool {
	return f.dirty
}

// PinCount returns the number of outstanding pins on this frame.
func (f *PageFrame) PinCount() int {
	return f.pinCount
}
