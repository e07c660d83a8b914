package storage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"dbcore/common"
)

// DiskManager abstracts the single backing file that holds every page in the
// database. Every buffer pool instance in a ParallelBufferPool shares one
// DiskManager; instances are distinguished only by which residue class of
// page ids they own (see ParallelBufferPool).
type DiskManager interface {
	// ReadPage reads the page identified by pageID into frame, which must be
	// exactly common.PageSize bytes. Reading a page beyond the current file
	// size returns zero-filled bytes, matching the semantics of a page that
	// was allocated but never written.
	ReadPage(pageID common.PageID, frame []byte) error
	// WritePage writes frame to the page identified by pageID, growing the
	// backing file if necessary.
	WritePage(pageID common.PageID, frame []byte) error
	// Sync flushes buffered writes to stable storage.
	Sync() error
	// Close releases the underlying file handle.
	Close() error
}

// FileDiskManager implements DiskManager on top of a single *os.File, with
// page pageID stored at byte offset pageID*PageSize. It grows the file
// lazily on first write past the current end.
type FileDiskManager struct {
	file     *os.File
	mu       sync.Mutex
	numPages atomic.Int64
}

// NewFileDiskManager opens (creating if necessary) the data file at path.
func NewFileDiskManager(path string) (*FileDiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("dbcore: open data file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dbcore: stat data file: %w", err)
	}
	dm := &FileDiskManager{file: f}
	dm.numPages.Store(stat.Size() / int64(common.PageSize))
	log.WithFields(log.Fields{"path": path, "pages": dm.numPages.Load()}).Debug("disk manager opened")
	return dm, nil
}

func (dm *FileDiskManager) ReadPage(pageID common.PageID, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "frame must be PageSize bytes")
	common.Assert(pageID.IsValid(), "cannot read invalid page id")

	offset := int64(pageID) * int64(common.PageSize)
	n, err := dm.file.ReadAt(frame, offset)
	if n == len(frame) {
		return nil
	}
	if err != nil && n == 0 {
		// Page was allocated (file grown) but never written; treat as zero page.
		for i := range frame {
			frame[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("dbcore: read page %s: %w", pageID, err)
	}
	return nil
}

func (dm *FileDiskManager) WritePage(pageID common.PageID, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "frame must be PageSize bytes")
	common.Assert(pageID.IsValid(), "cannot write invalid page id")

	offset := int64(pageID) * int64(common.PageSize)
	if _, err := dm.file.WriteAt(frame, offset); err != nil {
		return fmt.Errorf("dbcore: write page %s: %w", pageID, err)
	}

	dm.mu.Lock()
	if int64(pageID)+1 > dm.numPages.Load() {
		dm.numPages.Store(int64(pageID) + 1)
	}
	dm.mu.Unlock()
	return nil
}

func (dm *FileDiskManager) Sync() error {
	return dm.file.Sync()
}

func (dm *FileDiskManager) Close() error {
	return dm.file.Close()
}
