package reqpipeline

import (
	"container/heap"
	"sync"
)

// reqHeap is the container/heap backing store for one priority queue.
// Ordering is priority-major, sequence-minor (compareRequests).
type reqHeap []queueable

func (h reqHeap) Len() int            { return len(h) }
func (h reqHeap) Less(i, j int) bool  { return compareRequests(h[i], h[j]) }
func (h reqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reqHeap) Push(x interface{}) { *h = append(*h, x.(queueable)) }
func (h *reqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue is a blocking, priority-ordered queue of queueable
// requests. Wake-up on push uses a buffered notify channel; shutdown
// broadcasts to every blocked taker by closing stopCh.
type priorityQueue struct {
	mtx sync.Mutex
	h   reqHeap

	notify    chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (q *priorityQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *priorityQueue) push(r queueable) {
	q.mtx.Lock()
	heap.Push(&q.h, r)
	q.mtx.Unlock()
	q.signal()
}

func (q *priorityQueue) pushAll(rs []queueable) {
	if len(rs) == 0 {
		return
	}
	q.mtx.Lock()
	for _, r := range rs {
		heap.Push(&q.h, r)
	}
	q.mtx.Unlock()
	q.signal()
}

// take blocks until an item is available (in priority/sequence order) or
// the queue is closed, in which case ok is false.
func (q *priorityQueue) take() (r queueable, ok bool) {
	for {
		q.mtx.Lock()
		if len(q.h) > 0 {
			item := heap.Pop(&q.h).(queueable)
			q.mtx.Unlock()
			return item, true
		}
		q.mtx.Unlock()

		select {
		case <-q.stopCh:
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *priorityQueue) len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.h)
}

func (q *priorityQueue) close() {
	q.closeOnce.Do(func() { close(q.stopCh) })
}
