package reactor

import "container/heap"

// TimerID identifies a scheduled timer for cancellation. IDs are
// monotonically increasing and never reused.
type TimerID uint64

// TimerCallback is invoked when a timer fires.
type TimerCallback func()

type timerEntry struct {
	id        TimerID
	deadline  int64
	seq       uint64
	callback  TimerCallback
	cancelled bool
}

// timerHeap is a min-heap ordered by (deadline, seq) so that among equal
// deadlines the earlier-scheduled timer fires first.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TimerWheel is a min-heap keyed timer queue. Cancel is lazy: the entry is
// marked cancelled and skipped when popped by ProcessExpired, avoiding a
// heap-position search on every cancellation.
type TimerWheel struct {
	heap   timerHeap
	byID   map[TimerID]*timerEntry
	nextID TimerID
	seq    uint64
}

// NewTimerWheel creates an empty TimerWheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{
		byID:   make(map[TimerID]*timerEntry),
		nextID: 1,
	}
}

// Schedule registers cb to fire delayMs after nowMs.
func (w *TimerWheel) Schedule(nowMs int64, delayMs int64, cb TimerCallback) TimerID {
	return w.ScheduleAt(nowMs+delayMs, cb)
}

// ScheduleAt registers cb to fire at the absolute deadline deadlineMs.
func (w *TimerWheel) ScheduleAt(deadlineMs int64, cb TimerCallback) TimerID {
	id := w.nextID
	w.nextID++
	w.seq++
	e := &timerEntry{id: id, deadline: deadlineMs, seq: w.seq, callback: cb}
	w.byID[id] = e
	heap.Push(&w.heap, e)
	return id
}

// Cancel marks id cancelled. Returns false if id is unknown or already
// fired/cancelled. Removal from the heap itself happens lazily when the
// entry is popped by ProcessExpired.
func (w *TimerWheel) Cancel(id TimerID) bool {
	e, ok := w.byID[id]
	if !ok || e.cancelled {
		return false
	}
	e.cancelled = true
	delete(w.byID, id)
	return true
}

// ProcessExpired fires every non-cancelled timer whose deadline is <=
// nowMs, popping them off the heap, and returns how many callbacks ran. A
// callback that schedules another timer during its own execution is safe:
// the new entry becomes eligible on a later call, even if its deadline is
// already <= nowMs, since entries scheduled after this call began are set
// aside and pushed back onto the heap once the pass ends.
func (w *TimerWheel) ProcessExpired(nowMs int64) int {
	fired := 0
	lastSeq := w.seq
	var later []*timerEntry
	for w.heap.Len() > 0 {
		top := w.heap[0]
		if top.deadline > nowMs {
			break
		}
		heap.Pop(&w.heap)
		if top.seq > lastSeq {
			later = append(later, top)
			continue
		}
		if top.cancelled {
			continue
		}
		delete(w.byID, top.id)
		if top.callback != nil {
			top.callback()
			fired++
		}
	}
	for _, e := range later {
		heap.Push(&w.heap, e)
	}
	return fired
}

// NextDeadlineMs returns -1 if no timer is pending, 0 if the next timer is
// already due, or the clamped milliseconds until it fires.
func (w *TimerWheel) NextDeadlineMs(nowMs int64) int {
	for w.heap.Len() > 0 {
		top := w.heap[0]
		if top.cancelled {
			heap.Pop(&w.heap)
			delete(w.byID, top.id)
			continue
		}
		if top.deadline <= nowMs {
			return 0
		}
		delta := top.deadline - nowMs
		const maxInt = int64(^uint(0) >> 1)
		if delta > maxInt {
			return int(maxInt)
		}
		return int(delta)
	}
	return -1
}

// Size returns the number of pending entries, including lazily-cancelled
// ones not yet popped.
func (w *TimerWheel) Size() int { return w.heap.Len() }

// Empty reports whether no entries (cancelled or not) remain.
func (w *TimerWheel) Empty() bool { return w.heap.Len() == 0 }
