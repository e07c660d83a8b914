package hashindex

import (
	"encoding/binary"

	"dbcore/common"
	"dbcore/storage"
)

// MaxDepth bounds how many times the directory may double, capping it at
// 1<<MaxDepth slots. This keeps the directory's fixed-layout fields inside a
// single page.
const MaxDepth = 9

// maxDirectorySize is the number of directory slots at MaxDepth.
const maxDirectorySize = 1 << MaxDepth

const (
	dirOffGlobalDepth  = 0
	dirOffLocalDepth   = dirOffGlobalDepth + 4
	dirOffBucketPageID = dirOffLocalDepth + maxDirectorySize
)

// directoryPage is an accessor over a page frame's raw bytes, interpreting
// them as: a global depth, one local depth byte per directory slot, and one
// bucket page id per directory slot. It never copies the underlying bytes --
// every accessor reads or writes straight through to the pinned frame.
type directoryPage struct {
	frame *storage.PageFrame
}

func asDirectoryPage(frame *storage.PageFrame) directoryPage {
	return directoryPage{frame: frame}
}

func (d directoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.frame.Bytes[dirOffGlobalDepth:])
}

func (d directoryPage) SetGlobalDepth(depth uint32) {
	common.Assert(depth <= MaxDepth, "global depth %d exceeds MaxDepth", depth)
	binary.LittleEndian.PutUint32(d.frame.Bytes[dirOffGlobalDepth:], depth)
}

// Size returns the number of live directory slots: 2^globalDepth.
func (d directoryPage) Size() uint32 {
	return 1 << d.GlobalDepth()
}

// GlobalDepthMask returns Size()-1, used to map a hash to a directory index.
func (d directoryPage) GlobalDepthMask() uint32 {
	return d.Size() - 1
}

func (d directoryPage) LocalDepth(idx uint32) uint8 {
	return d.frame.Bytes[dirOffLocalDepth+idx]
}

func (d directoryPage) SetLocalDepth(idx uint32, depth uint8) {
	common.Assert(depth <= MaxDepth, "local depth %d exceeds MaxDepth", depth)
	d.frame.Bytes[dirOffLocalDepth+idx] = depth
}

func (d directoryPage) IncrLocalDepth(idx uint32) {
	d.SetLocalDepth(idx, d.LocalDepth(idx)+1)
}

func (d directoryPage) DecrLocalDepth(idx uint32) {
	common.Assert(d.LocalDepth(idx) > 0, "cannot decrement local depth below zero")
	d.SetLocalDepth(idx, d.LocalDepth(idx)-1)
}

// LocalDepthMask returns the mask for the local depth of the bucket at idx.
func (d directoryPage) LocalDepthMask(idx uint32) uint32 {
	return (uint32(1) << d.LocalDepth(idx)) - 1
}

func (d directoryPage) BucketPageID(idx uint32) common.PageID {
	return common.PageID(int32(binary.LittleEndian.Uint32(d.frame.Bytes[dirOffBucketPageID+idx*4:])))
}

func (d directoryPage) SetBucketPageID(idx uint32, pageID common.PageID) {
	binary.LittleEndian.PutUint32(d.frame.Bytes[dirOffBucketPageID+idx*4:], uint32(int32(pageID)))
}

// GetSplitImageIndex returns the directory index of bucket idx's split
// image: the bucket it would merge back into (or split from), found by
// flipping the bit at position localDepth-1.
func (d directoryPage) GetSplitImageIndex(idx uint32) uint32 {
	common.Assert(d.LocalDepth(idx) > 0, "bucket at local depth 0 has no split image")
	return idx ^ (1 << (d.LocalDepth(idx) - 1))
}

// IncrGlobalDepth doubles the directory by copying every slot's local depth
// and bucket page id into its mirror at index+oldSize.
func (d directoryPage) IncrGlobalDepth() {
	common.Assert(d.GlobalDepth() < MaxDepth, "directory already at MaxDepth")
	oldSize := d.Size()
	for i := uint32(0); i < oldSize; i++ {
		d.SetBucketPageID(i+oldSize, d.BucketPageID(i))
		d.SetLocalDepth(i+oldSize, d.LocalDepth(i))
	}
	d.SetGlobalDepth(d.GlobalDepth() + 1)
}

// DecrGlobalDepth halves the directory. Callers must have already verified
// CanShrink().
func (d directoryPage) DecrGlobalDepth() {
	common.Assert(d.GlobalDepth() > 0, "cannot shrink an empty directory")
	d.SetGlobalDepth(d.GlobalDepth() - 1)
}

// CanShrink reports whether every live bucket's local depth is strictly less
// than the global depth, meaning the second half of the directory is purely
// duplicate entries that can be dropped.
func (d directoryPage) CanShrink() bool {
	size := d.Size()
	globalDepth := d.GlobalDepth()
	for i := uint32(0); i < size; i++ {
		if d.LocalDepth(i) >= uint8(globalDepth) {
			return false
		}
	}
	return true
}

// VerifyIntegrity panics if the directory violates the extendible hashing
// invariants: every bucket page id must be reachable from exactly
// 2^(globalDepth-localDepth) directory slots sharing its low localDepth
// bits. This is a diagnostic aid, not exercised on the hot path.
func (d directoryPage) VerifyIntegrity() {
	size := d.Size()
	seen := make(map[common.PageID]uint8)
	firstSlot := make(map[common.PageID]uint32)
	slots := make(map[common.PageID]uint32)
	for i := uint32(0); i < size; i++ {
		pid := d.BucketPageID(i)
		ld := d.LocalDepth(i)
		if prev, ok := seen[pid]; ok {
			common.Assert(prev == ld, "bucket %s has inconsistent local depth across directory slots", pid)
			common.Assert(i&d.LocalDepthMask(i) == firstSlot[pid]&d.LocalDepthMask(i),
				"bucket %s is referenced by slots with different low local-depth bits", pid)
		} else {
			seen[pid] = ld
			firstSlot[pid] = i
		}
		slots[pid]++
		common.Assert(ld <= uint8(d.GlobalDepth()), "local depth exceeds global depth at slot %d", i)
	}
	for pid, ld := range seen {
		common.Assert(slots[pid] == uint32(1)<<(d.GlobalDepth()-uint32(ld)),
			"bucket %s is referenced by %d slots, want %d", pid, slots[pid], uint32(1)<<(d.GlobalDepth()-uint32(ld)))
	}
}
