package reqpipeline

import (
	"sync"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/log"
)

// FinishedListener is notified, exactly once per admitted request, when
// that request reaches its terminal lifecycle event.
type FinishedListener func(requestID string)

// QueueOptions configures a Queue. Zero values fall back to the
// defaults (4 network workers, unbounded disk cache).
type QueueOptions struct {
	CacheDir        string
	MaxDiskBytes    int64
	EntryMaxBytes   int64 // 0 means unlimited; responses larger than this are never cached
	NetworkWorkers  int
	Transport       Transport
	BufferPoolBytes int64
}

// Queue is the Request Queue (C7): it sequences and priority-orders
// incoming requests, de-duplicates ("coalesces") concurrent requests that
// share a cache key, and owns the cache-stage and network-stage
// dispatcher goroutines that drain its two internal priority queues.
type Queue struct {
	seqCounter atomic.Int64

	currentMu sync.Mutex
	current   map[string]queueable

	waitingMu sync.Mutex
	waiting   map[string][]queueable

	cacheQueue   *priorityQueue
	networkQueue *priorityQueue

	disk       *DiskCache
	delivery   *Delivery
	transport  Transport
	bufferPool *BufferPool

	networkWorkers int
	entryMaxBytes  int64

	listenersMu sync.Mutex
	listeners   []FinishedListener

	stopFlag atomic.Bool
	wg       sync.WaitGroup

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	coalesced   atomic.Int64
	retries     atomic.Int64
}

// Stats is a read-only snapshot of queue depths, cache size, and the
// hit/miss/coalesce/retry counters.
type Stats struct {
	CacheQueueDepth   int
	NetworkQueueDepth int
	DiskCacheBytes    int64
	CacheHits         int64
	CacheMisses       int64
	Coalesced         int64
	Retries           int64
}

// NewQueue builds a Queue and its DiskCache around the given Delivery, but
// does not start any dispatcher goroutines; call Start for that.
func NewQueue(opts QueueOptions, delivery *Delivery) *Queue {
	if opts.NetworkWorkers <= 0 {
		opts.NetworkWorkers = 4
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewHTTPTransport(nil)
	}
	return &Queue{
		current:        make(map[string]queueable),
		waiting:        make(map[string][]queueable),
		cacheQueue:     newPriorityQueue(),
		networkQueue:   newPriorityQueue(),
		disk:           NewDiskCache(opts.CacheDir, opts.MaxDiskBytes),
		delivery:       delivery,
		transport:      transport,
		bufferPool:     NewBufferPool(opts.BufferPoolBytes),
		networkWorkers: opts.NetworkWorkers,
		entryMaxBytes:  opts.EntryMaxBytes,
	}
}

// Add binds r to this queue, assigns its sequence number, and admits it
// either directly to the network queue (shouldCache == false) or to the
// cache stage / coalescing waiters.
func (q *Queue) Add(r queueable) {
	r.bindQueue(q)

	q.currentMu.Lock()
	q.current[r.id()] = r
	q.currentMu.Unlock()

	r.setSequence(q.seqCounter.Add(1) - 1)

	if !r.shouldCache() {
		q.networkQueue.push(r)
		return
	}

	key := r.cacheKey()
	q.waitingMu.Lock()
	if _, inFlight := q.waiting[key]; inFlight {
		q.waiting[key] = append(q.waiting[key], r)
		q.coalesced.Add(1)
		mCoalescedTotal.Inc()
		q.waitingMu.Unlock()
		return
	}
	q.waiting[key] = nil // sentinel: in flight, no followers yet
	q.waitingMu.Unlock()

	q.cacheQueue.push(r)
}

// finishRequest is invoked by a request's own finish() exactly once. It
// removes the request from tracking, notifies finished-listeners, and —
// if this request was the in-flight primary for its cache key — releases
// any coalesced waiters onto the cache queue so they observe the entry
// the primary just installed.
func (q *Queue) finishRequest(r queueable, reason string) {
	q.currentMu.Lock()
	delete(q.current, r.id())
	q.currentMu.Unlock()

	q.listenersMu.Lock()
	listeners := append([]FinishedListener(nil), q.listeners...)
	q.listenersMu.Unlock()
	for _, l := range listeners {
		l(r.id())
	}

	if !r.shouldCache() {
		return
	}

	key := r.cacheKey()
	q.waitingMu.Lock()
	waiters, ok := q.waiting[key]
	if ok {
		delete(q.waiting, key)
	}
	q.waitingMu.Unlock()

	if ok && len(waiters) > 0 {
		q.cacheQueue.pushAll(waiters)
	}

	log.Debug("reqpipeline: request %s finished (%s)", r.id(), reason)
}

// AddFinishedListener registers l to be called once per admitted request.
func (q *Queue) AddFinishedListener(l FinishedListener) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, l)
}

// CancelAll cancels every currently tracked request matching predicate.
func (q *Queue) CancelAll(predicate func(r queueable) bool) {
	q.currentMu.Lock()
	defer q.currentMu.Unlock()
	for _, r := range q.current {
		if predicate(r) {
			r.cancel()
		}
	}
}

// CancelTag is sugar for CancelAll with an identity-comparable tag match.
func (q *Queue) CancelTag(tag any) {
	q.CancelAll(func(r queueable) bool { return r.matchesTag(tag) })
}

// ClearCache runs the administrative clear-cache operation directly
// against the disk cache (no request ever enters the queues for this),
// then invokes done.
func (q *Queue) ClearCache(done func()) {
	q.disk.Clear()
	if done != nil {
		done()
	}
}

// StatsSnapshot returns a point-in-time view of queue depths, disk-cache
// size and the hit/miss/coalesce/retry counters. It also refreshes the
// corresponding prometheus gauges, so a periodic caller (cmd/demo polls
// this on an interval) keeps /metrics current without a dedicated ticker
// goroutine inside the queue itself.
func (q *Queue) StatsSnapshot() Stats {
	s := Stats{
		CacheQueueDepth:   q.cacheQueue.len(),
		NetworkQueueDepth: q.networkQueue.len(),
		DiskCacheBytes:    q.disk.Size(),
		CacheHits:         q.cacheHits.Load(),
		CacheMisses:       q.cacheMisses.Load(),
		Coalesced:         q.coalesced.Load(),
		Retries:           q.retries.Load(),
	}

	mCacheQueueDepth.Set(float64(s.CacheQueueDepth))
	mNetworkQueueDepth.Set(float64(s.NetworkQueueDepth))
	mDiskCacheBytes.Set(float64(s.DiskCacheBytes))

	return s
}

// Start first calls Stop (idempotent), initializes the disk cache, then
// spawns one cache dispatcher and NetworkWorkers network dispatchers.
func (q *Queue) Start() error {
	q.Stop()

	if err := q.disk.Initialize(); err != nil {
		return err
	}

	q.stopFlag.Store(false)
	q.cacheQueue = newPriorityQueue()
	q.networkQueue = newPriorityQueue()

	q.wg.Add(1)
	go q.runCacheStage()

	for i := 0; i < q.networkWorkers; i++ {
		q.wg.Add(1)
		go q.runNetworkStage(i)
	}

	log.Info("reqpipeline: queue started with %d network workers", q.networkWorkers)
	return nil
}

// Stop flips the quit flags, closes both priority queues (waking any
// blocked dispatcher), and waits for them to exit.
func (q *Queue) Stop() {
	if q.stopFlag.Swap(true) {
		return
	}
	q.cacheQueue.close()
	q.networkQueue.close()
	q.wg.Wait()
}
