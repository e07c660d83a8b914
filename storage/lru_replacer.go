package storage

import (
	"container/list"
	"sync"

	"dbcore/common"
)

// LRUReplacer tracks which resident frames are evictable and, among those,
// which was least recently unpinned. A frame becomes a victim candidate the
// moment Unpin is called on it, and stops being one as soon as Pin is
// called (typically because some goroutine fetched it again).
type LRUReplacer struct {
	mu    sync.Mutex
	order *list.List
	at    map[common.FrameID]*list.Element
}

// NewLRUReplacer creates a replacer with no evictable frames.
func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		order: list.New(),
		at:    make(map[common.FrameID]*list.Element),
	}
}

// Victim evicts and returns the least recently used evictable frame. It
// returns ok=false if no frame is currently evictable.
func (r *LRUReplacer) Victim() (frame common.FrameID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	back := r.order.Back()
	if back == nil {
		return 0, false
	}
	frame = back.Value.(common.FrameID)
	r.order.Remove(back)
	delete(r.at, frame)
	return frame, true
}

// Pin removes frame from the set of evictable frames, if present. Call this
// when a frame is about to be used and must not be chosen as a victim.
func (r *LRUReplacer) Pin(frame common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.at[frame]; ok {
		r.order.Remove(el)
		delete(r.at, frame)
	}
}

// Unpin marks frame as evictable. It is a no-op if the frame is already
// tracked as evictable -- a frame does not move to the front of the queue
// just because Unpin was called on it again.
func (r *LRUReplacer) Unpin(frame common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.at[frame]; ok {
		return
	}
	r.at[frame] = r.order.PushFront(frame)
}

// Size returns the number of frames currently evictable.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.at)
}
