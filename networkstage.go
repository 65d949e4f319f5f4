package reqpipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/paulbellamy/ratecounter"
)

// runNetworkStage is one of the Network Stage (C5) worker goroutines. The
// pool size defaults to 4; each worker blockingly pulls from the shared
// network priority queue until the queue is closed. workerID only affects
// log lines.
func (q *Queue) runNetworkStage(workerID int) {
	defer q.wg.Done()

	rate := ratecounter.NewRateCounter(1 * time.Second)
	lastLog := time.Now()

	for {
		r, ok := q.networkQueue.take()
		if !ok {
			return
		}
		if r.isCanceled() {
			r.finish("network-discard-cancelled")
			continue
		}

		rate.Incr(1)
		if time.Since(lastLog) > 10*time.Second {
			log.Debug("reqpipeline: network worker %d dispatching at %d req/s", workerID, rate.Rate())
			lastLog = time.Now()
		}

		q.dispatchNetworkRequest(r)
	}
}

func (q *Queue) dispatchNetworkRequest(r queueable) {
	r.markStart()

	for {
		hdr := cloneHeader(r.header())
		if etag, lastModified := r.conditionalHeaders(); etag != "" || lastModified != "" {
			if etag != "" {
				hdr.Set("If-None-Match", etag)
			}
			if lastModified != "" {
				hdr.Set("If-Modified-Since", lastModified)
			}
		}

		verb := r.method().httpVerb(r.hasLegacyPostBody())
		raw, err := q.transport.Perform(context.Background(), verb, r.currentURL(), hdr, r.body(), r.timeoutMs())
		if err != nil {
			var perr *PipelineError
			if !errors.As(err, &perr) {
				perr = &PipelineError{Kind: ErrNoConnection, Cause: err}
			}

			if perr.Kind == ErrTimeout {
				if rerr := r.retryPolicy().Retry(perr); rerr != nil {
					q.deliverNetworkError(r, perr)
					return
				}
				q.retries.Add(1)
				mRetriesTotal.Inc()
				continue
			}
			// Malformed URL and no-response I/O errors are fatal.
			q.deliverNetworkError(r, perr)
			return
		}

		switch {
		case raw.StatusCode == http.StatusNotModified:
			resp := q.buildNotModifiedResponse(r, raw)
			drainBody(raw)
			q.deliverNetworkSuccess(r, resp, false)
			return

		case raw.StatusCode == http.StatusMovedPermanently || raw.StatusCode == http.StatusFound:
			r.setRedirectURL(raw.Header.Get("Location"))
			resp := &NetworkResponse{StatusCode: raw.StatusCode, Headers: flattenHeader(raw.Header)}
			drainBody(raw)
			perr := &PipelineError{Kind: ErrRedirect, StatusCode: raw.StatusCode, Response: resp}
			if rerr := r.retryPolicy().Retry(perr); rerr != nil {
				q.deliverNetworkError(r, perr)
				return
			}
			q.retries.Add(1)
			mRetriesTotal.Inc()
			continue

		case raw.StatusCode == http.StatusUnauthorized || raw.StatusCode == http.StatusForbidden:
			resp := &NetworkResponse{StatusCode: raw.StatusCode, Headers: flattenHeader(raw.Header)}
			drainBody(raw)
			perr := &PipelineError{Kind: ErrAuthFailure, StatusCode: raw.StatusCode, Response: resp}
			if rerr := r.retryPolicy().Retry(perr); rerr != nil {
				q.deliverNetworkError(r, perr)
				return
			}
			q.retries.Add(1)
			mRetriesTotal.Inc()
			continue

		case raw.StatusCode >= 200 && raw.StatusCode <= 299:
			body, err := q.readBody(raw)
			if err != nil {
				q.deliverNetworkError(r, &PipelineError{Kind: ErrNetwork, Cause: err})
				return
			}
			resp := &NetworkResponse{
				StatusCode:    raw.StatusCode,
				Body:          body,
				Headers:       flattenHeader(raw.Header),
				NetworkTimeMs: r.networkElapsedMs(),
			}
			q.deliverNetworkSuccess(r, resp, false)
			return

		default:
			resp := &NetworkResponse{StatusCode: raw.StatusCode, Headers: flattenHeader(raw.Header)}
			drainBody(raw)
			q.deliverNetworkError(r, &PipelineError{Kind: ErrServer, StatusCode: raw.StatusCode, Response: resp})
			return
		}
	}
}

// deliverNetworkSuccess handles one successfully fetched (or cache-served)
// response: a not-modified response already delivered once just finishes
// the request; otherwise the request's parser runs synchronously (so a
// produced cache entry can be written to disk before anyone observes the
// delivery), delivered is recorded, and only then is the response handed
// to the delivery executor. A response synthesized from a cache hit
// (resp.FromCache) never produces a cache entry here — the parser returns
// nil for it — so a plain cache read can never rewrite the stored entry's
// freshness; only a real network fetch or revalidation does that.
func (q *Queue) deliverNetworkSuccess(r queueable, resp *NetworkResponse, intermediate bool, after ...func()) {
	if resp.NotModified && r.delivered() {
		r.finish("not-modified-already-delivered")
		return
	}

	var afterFn func()
	if len(after) > 0 {
		afterFn = after[0]
	}

	entry, err := r.runParser(resp)
	if err == nil {
		if r.shouldCache() && entry != nil {
			if q.entryMaxBytes > 0 && int64(len(entry.Data)) > q.entryMaxBytes {
				log.Printf("reqpipeline: response TOO LARGE to cache: %s (%d bytes, limit %d)", r.cacheKey(), len(entry.Data), q.entryMaxBytes)
			} else if putErr := q.disk.Put(r.cacheKey(), entry); putErr != nil {
				log.Printf("reqpipeline: failed to cache %s: %v", r.cacheKey(), putErr)
			}
		}
		r.markDelivered()
	}

	observeNetworkDurationMs(r.networkElapsedMs())
	q.delivery.postResponse(r, intermediate, afterFn)
}

func (q *Queue) deliverNetworkError(r queueable, perr *PipelineError) {
	perr.NetworkTimeMs = r.networkElapsedMs()
	observeNetworkDurationMs(perr.NetworkTimeMs)
	r.setPendingError(perr)
	q.delivery.postResponse(r, false, nil)
}

// buildNotModifiedResponse merges the freshly returned headers into the
// stale cache entry attached to r, with the new values winning.
func (q *Queue) buildNotModifiedResponse(r queueable, raw *RawResponse) *NetworkResponse {
	newHeaders := flattenHeader(raw.Header)

	entry := r.getCacheEntry()
	if entry == nil {
		return &NetworkResponse{StatusCode: http.StatusNotModified, Headers: newHeaders, NotModified: true, NetworkTimeMs: r.networkElapsedMs()}
	}

	merged := make(map[string]string, len(entry.ResponseHeaders)+len(newHeaders))
	for k, v := range entry.ResponseHeaders {
		merged[k] = v
	}
	for k, v := range newHeaders {
		merged[k] = v
	}
	return &NetworkResponse{
		StatusCode:    http.StatusNotModified,
		Body:          entry.Data,
		Headers:       merged,
		NotModified:   true,
		NetworkTimeMs: r.networkElapsedMs(),
	}
}

func (q *Queue) readBody(raw *RawResponse) ([]byte, error) {
	defer raw.Body.Close()
	scratch := q.bufferPool.Acquire(32 * 1024)
	defer q.bufferPool.Release(scratch)

	var buf bytes.Buffer
	if _, err := io.CopyBuffer(&buf, raw.Body, scratch); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drainBody(raw *RawResponse) {
	if raw == nil || raw.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, raw.Body)
	_ = raw.Body.Close()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
