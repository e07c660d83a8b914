package hashindex

import (
	"encoding/binary"

	"dbcore/common"
	"dbcore/storage"
)

// KeySize is the fixed width of an indexed key. Callers hash arbitrary-length
// application keys down into a Key; see NewKey.
const KeySize = 16

// Key is a fixed-width key stored in a bucket slot.
type Key [KeySize]byte

// NewKey packs b into a Key, truncating if b is longer than KeySize and
// zero-padding if shorter. Callers indexing variable-length application keys
// are expected to hash or encode them down to KeySize bytes themselves if
// they need exact-match semantics beyond the truncation/padding this performs.
func NewKey(b []byte) Key {
	var k Key
	n := len(b)
	if n > KeySize {
		n = KeySize
	}
	copy(k[:], b[:n])
	return k
}

const valueSize = 8 // common.RowID: PageID(4) + Slot(4)

// bucketArraySize is chosen so occupied+readable bitmaps plus the slot array
// fit in one page: 2*ceil(n/8) + n*(KeySize+valueSize) <= PageSize.
const bucketArraySize = 160

const (
	bucketBitmapBytes = (bucketArraySize + 7) / 8
	bucketOffOccupied = 0
	bucketOffReadable = bucketOffOccupied + bucketBitmapBytes
	bucketOffArray    = bucketOffReadable + bucketBitmapBytes
	slotSize          = KeySize + valueSize
)

func init() {
	common.Assert(bucketOffArray+bucketArraySize*slotSize <= common.PageSize,
		"bucket layout (%d bytes) exceeds PageSize", bucketOffArray+bucketArraySize*slotSize)
}

// bucketPage is an accessor over a page frame's raw bytes, interpreting them
// as two bitmaps (occupied, readable) followed by a fixed array of
// (Key, RowID) slots. "Occupied" slots have been used at some point; a scan
// of the slots stops at the first slot that is not occupied. "Readable"
// slots additionally hold a live entry. A slot can be occupied-but-not-readable
// after a Remove, which keeps the slots after it within reach of a scan.
type bucketPage struct {
	frame *storage.PageFrame
}

func asBucketPage(frame *storage.PageFrame) bucketPage {
	return bucketPage{frame: frame}
}

func (b bucketPage) isOccupied(i int) bool {
	return b.frame.Bytes[bucketOffOccupied+i/8]&(1<<(uint(i)%8)) != 0
}

func (b bucketPage) setOccupied(i int) {
	b.frame.Bytes[bucketOffOccupied+i/8] |= 1 << (uint(i) % 8)
}

func (b bucketPage) isReadable(i int) bool {
	return b.frame.Bytes[bucketOffReadable+i/8]&(1<<(uint(i)%8)) != 0
}

func (b bucketPage) setReadable(i int) {
	b.frame.Bytes[bucketOffReadable+i/8] |= 1 << (uint(i) % 8)
}

func (b bucketPage) setUnreadable(i int) {
	b.frame.Bytes[bucketOffReadable+i/8] &^= 1 << (uint(i) % 8)
}

func (b bucketPage) slotOffset(i int) int {
	return bucketOffArray + i*slotSize
}

func (b bucketPage) keyAt(i int) Key {
	var k Key
	copy(k[:], b.frame.Bytes[b.slotOffset(i):])
	return k
}

func (b bucketPage) valueAt(i int) common.RowID {
	off := b.slotOffset(i) + KeySize
	return common.RowID{
		PageID: common.PageID(int32(binary.LittleEndian.Uint32(b.frame.Bytes[off:]))),
		Slot:   int32(binary.LittleEndian.Uint32(b.frame.Bytes[off+4:])),
	}
}

func (b bucketPage) setSlot(i int, key Key, value common.RowID) {
	off := b.slotOffset(i)
	copy(b.frame.Bytes[off:], key[:])
	binary.LittleEndian.PutUint32(b.frame.Bytes[off+KeySize:], uint32(int32(value.PageID)))
	binary.LittleEndian.PutUint32(b.frame.Bytes[off+KeySize+4:], uint32(value.Slot))
}

// GetValue appends every value stored under key to result, returning true if
// at least one match was found.
func (b bucketPage) GetValue(key Key, result *[]common.RowID) bool {
	found := false
	for i := 0; i < bucketArraySize; i++ {
		if b.isReadable(i) && b.keyAt(i) == key {
			*result = append(*result, b.valueAt(i))
			found = true
		}
		if !b.isOccupied(i) {
			break
		}
	}
	return found
}

// Insert adds (key, value) to the bucket. It returns false if the exact pair
// already exists, or if the bucket is full.
func (b bucketPage) Insert(key Key, value common.RowID) bool {
	toInsert := -1
	for i := 0; i < bucketArraySize; i++ {
		if b.isReadable(i) {
			if b.keyAt(i) == key && b.valueAt(i) == value {
				return false
			}
			continue
		}
		if toInsert == -1 {
			toInsert = i
		}
		if !b.isOccupied(i) {
			break
		}
	}
	if toInsert == -1 {
		return false
	}
	b.setSlot(toInsert, key, value)
	b.setOccupied(toInsert)
	b.setReadable(toInsert)
	return true
}

// Remove deletes the exact (key, value) pair, if present.
func (b bucketPage) Remove(key Key, value common.RowID) bool {
	for i := 0; i < bucketArraySize; i++ {
		if b.isReadable(i) && b.keyAt(i) == key && b.valueAt(i) == value {
			b.setUnreadable(i)
			return true
		}
		if !b.isOccupied(i) {
			break
		}
	}
	return false
}

// IsFull reports whether every slot is readable.
func (b bucketPage) IsFull() bool {
	return b.NumReadable() == bucketArraySize
}

// NumReadable counts readable (live) slots.
func (b bucketPage) NumReadable() int {
	count := 0
	for i := 0; i < bucketArraySize; i++ {
		if b.isReadable(i) {
			count++
		}
	}
	return count
}

// IsEmpty reports whether no slot is readable.
func (b bucketPage) IsEmpty() bool {
	return b.NumReadable() == 0
}

// Reset clears both bitmaps, discarding every entry (the slot bytes
// themselves are left as-is, matching the bitmap-governs-validity contract
// the rest of the bucket relies on).
func (b bucketPage) Reset() {
	for i := bucketOffOccupied; i < bucketOffArray; i++ {
		b.frame.Bytes[i] = 0
	}
}
