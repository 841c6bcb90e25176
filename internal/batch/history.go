package batch

import "sync"

type entry struct {
	seq uint64
	ev  Event
}

// History keeps the most recent events of a batch for subscribers that attach
// late. Global progress events (row GlobalRow) are pinned: they survive
// eviction so a late subscriber still learns why a batch failed.
type History struct {
	mu       sync.RWMutex
	buf      []entry
	capacity int
	pos      int // next write position
	full     bool
	seq      uint64
	pinned   []entry
	dropped  int
}

// NewHistory creates a history holding at most capacity unpinned events.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		buf:      make([]entry, capacity),
		capacity: capacity,
	}
}

// Append records ev, evicting the oldest event when full.
func (h *History) Append(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e := entry{seq: h.seq, ev: ev}
	if ev.Kind == EventProgress && ev.Row == GlobalRow {
		h.pinned = append(h.pinned, e)
	}

	if h.full {
		h.dropped++
	}
	h.buf[h.pos] = e
	h.pos = (h.pos + 1) % h.capacity
	if h.pos == 0 {
		h.full = true
	}
}

// Dropped reports how many events have been evicted.
func (h *History) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Events returns the retained events in the order they were appended.
func (h *History) Events() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var window []entry
	if !h.full {
		window = h.buf[:h.pos]
	} else {
		window = make([]entry, 0, h.capacity)
		window = append(window, h.buf[h.pos:]...)
		window = append(window, h.buf[:h.pos]...)
	}

	out := make([]Event, 0, len(window)+len(h.pinned))
	if len(window) > 0 {
		oldest := window[0].seq
		for _, p := range h.pinned {
			if p.seq < oldest {
				out = append(out, p.ev)
			}
		}
	}
	for _, e := range window {
		out = append(out, e.ev)
	}
	return out
}
