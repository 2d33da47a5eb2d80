package sched

import (
	"container/heap"
	"strconv"
	"time"
)

type event struct {
	id    string
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

// eventHeap orders events by time, then by scheduling order.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}

// eventQueue is the bookkeeping shared by both schedulers. It is not
// synchronised; callers hold their own lock.
type eventQueue struct {
	prefix string
	seq    uint64
	heap   eventHeap
	byID   map[string]*event
}

func newEventQueue(prefix string) eventQueue {
	return eventQueue{prefix: prefix, byID: make(map[string]*event)}
}

func (q *eventQueue) push(at time.Time, fn func()) string {
	q.seq++
	ev := &event{
		id:   q.prefix + strconv.FormatUint(q.seq, 10),
		when: at,
		seq:  q.seq,
		fn:   fn,
	}
	heap.Push(&q.heap, ev)
	q.byID[ev.id] = ev
	return ev.id
}

func (q *eventQueue) remove(id string) {
	ev, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	heap.Remove(&q.heap, ev.index)
}

// next returns the earliest event time.
func (q *eventQueue) next() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].when, true
}

// popDue removes and returns the earliest event at or before now.
func (q *eventQueue) popDue(now time.Time) (func(), bool) {
	if len(q.heap) == 0 || q.heap[0].when.After(now) {
		return nil, false
	}
	ev := heap.Pop(&q.heap).(*event)
	delete(q.byID, ev.id)
	return ev.fn, true
}

func (q *eventQueue) size() int { return len(q.heap) }
