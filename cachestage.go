package reqpipeline

import (
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// runCacheStage is the Cache Stage (C6): a single worker draining the
// cache priority queue. Any unexpected panic inside one iteration is
// logged and swallowed so the loop keeps serving later requests instead
// of taking the whole stage down.
func (q *Queue) runCacheStage() {
	defer q.wg.Done()

	for {
		r, ok := q.cacheQueue.take()
		if !ok {
			return
		}
		q.processCacheRequest(r)
	}
}

func (q *Queue) processCacheRequest(r queueable) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("reqpipeline: cache stage recovered from panic for %s: %v", r.id(), rec)
		}
	}()

	if r.isCanceled() {
		r.finish("cache-discard-canceled")
		return
	}

	entry, ok := q.disk.Get(r.cacheKey())
	if !ok {
		q.cacheMisses.Add(1)
		mCacheMissesTotal.Inc()
		q.networkQueue.push(r)
		return
	}
	q.cacheHits.Add(1)
	mCacheHitsTotal.Inc()

	now := time.Now()
	if entry.IsExpired(now) {
		r.setCacheEntry(entry)
		q.networkQueue.push(r)
		return
	}

	synthetic := &NetworkResponse{
		StatusCode: 200,
		Body:       entry.Data,
		Headers:    entry.ResponseHeaders,
		FromCache:  true,
	}

	if !entry.RefreshNeeded(now) {
		q.deliverNetworkSuccess(r, synthetic, false)
		return
	}

	r.setCacheEntry(entry)
	q.deliverNetworkSuccess(r, synthetic, true, func() { q.networkQueue.push(r) })
}
