package reqpipeline

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedCall struct {
	method    string
	url       string
	timeoutMs int64
}

type scriptedStep struct {
	status int
	header http.Header
	body   string
	err    error
}

// scriptedTransport replays a fixed sequence of responses/errors, one per
// call, recording every call it received — a fake Transport used to drive
// the network stage through retry, redirect, and revalidation scenarios
// without a real socket.
type scriptedTransport struct {
	mu     sync.Mutex
	calls  []scriptedCall
	script []scriptedStep
}

func (t *scriptedTransport) Perform(_ context.Context, method, url string, _ http.Header, _ []byte, timeoutMs int64) (*RawResponse, error) {
	t.mu.Lock()
	idx := len(t.calls)
	t.calls = append(t.calls, scriptedCall{method: method, url: url, timeoutMs: timeoutMs})
	t.mu.Unlock()

	if idx >= len(t.script) {
		return nil, &PipelineError{Kind: ErrServer, StatusCode: 500}
	}
	step := t.script[idx]
	if step.err != nil {
		return nil, step.err
	}
	return &RawResponse{StatusCode: step.status, Header: step.header, Body: io.NopCloser(strings.NewReader(step.body))}, nil
}

func (t *scriptedTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *scriptedTransport) callAt(i int) scriptedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[i]
}

type collectingListener struct {
	responses     chan string
	errs          chan error
	intermediates chan bool
}

func newCollectingListener() *collectingListener {
	return &collectingListener{
		responses:     make(chan string, 8),
		errs:          make(chan error, 8),
		intermediates: make(chan bool, 8),
	}
}

func (l *collectingListener) DeliverResponse(v []byte, intermediate bool) {
	l.intermediates <- intermediate
	l.responses <- string(v)
}
func (l *collectingListener) DeliverError(err error) { l.errs <- err }

func newTestQueue(t *testing.T, transport Transport) *Queue {
	t.Helper()
	q := NewQueue(QueueOptions{CacheDir: t.TempDir(), Transport: transport, NetworkWorkers: 2}, NewDelivery(nil))
	require.NoError(t, q.Start())
	t.Cleanup(q.Stop)
	return q
}

func requireResponse(t *testing.T, l *collectingListener, want string) {
	t.Helper()
	select {
	case got := <-l.responses:
		require.Equal(t, want, got)
	case err := <-l.errs:
		t.Fatalf("expected a response, got error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// A cold, cacheable GET makes exactly one transport call, delivers once,
// and leaves a file behind in the disk cache.
func TestQueueColdCacheableGet(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{status: 200, header: http.Header{"Cache-Control": {"max-age=60"}}, body: "hello"},
	}}
	q := newTestQueue(t, transport)

	listener := newCollectingListener()
	req := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{Method: http.MethodGet, URL: "http://example.test/a"}, listener)
	q.Add(req)

	requireResponse(t, listener, "hello")
	require.Equal(t, 1, transport.callCount())

	require.Eventually(t, func() bool {
		return q.StatsSnapshot().DiskCacheBytes > 0
	}, time.Second, 5*time.Millisecond)
}

// Three simultaneous requests for the same cache key coalesce onto one
// transport call; all three still get delivered.
func TestQueueCoalescesIdenticalRequests(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{status: 200, header: http.Header{"Cache-Control": {"max-age=60"}}, body: "shared"},
	}}
	q := newTestQueue(t, transport)

	listeners := make([]*collectingListener, 3)
	for i := range listeners {
		listeners[i] = newCollectingListener()
		req := NewRequest[[]byte](MethodGet, "http://example.test/shared", BytesParser{Method: http.MethodGet, URL: "http://example.test/shared"}, listeners[i])
		q.Add(req)
	}

	for _, l := range listeners {
		requireResponse(t, l, "shared")
	}
	require.Equal(t, 1, transport.callCount())
	require.Equal(t, int64(2), q.StatsSnapshot().Coalesced)
}

// A connect-timeout followed by a 200 retries once, doubling the timeout
// on the retried attempt, and still delivers the eventual success.
func TestQueueRetriesThenSucceeds(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{err: &PipelineError{Kind: ErrTimeout}},
		{status: 200, header: http.Header{"Cache-Control": {"no-store"}}, body: "ok"},
	}}
	q := newTestQueue(t, transport)

	listener := newCollectingListener()
	req := NewRequest[[]byte](MethodGet, "http://example.test/retry", BytesParser{Method: http.MethodGet, URL: "http://example.test/retry"}, listener)
	req.WithRetryPolicy(NewRetryPolicyWith(100, 1, 1.0))
	q.Add(req)

	requireResponse(t, listener, "ok")
	require.Equal(t, 2, transport.callCount())
	require.Equal(t, int64(100), transport.callAt(0).timeoutMs)
	require.Equal(t, int64(200), transport.callAt(1).timeoutMs)
}

// A 302 followed by a 200 at the new location is followed transparently;
// the request's URL reflects the redirect while OriginURL stays put.
func TestQueueFollowsRedirectPreservingOriginURL(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{status: http.StatusFound, header: http.Header{"Location": {"http://example.test/b"}}},
		{status: 200, header: http.Header{"Cache-Control": {"no-store"}}, body: "b-body"},
	}}
	q := newTestQueue(t, transport)

	listener := newCollectingListener()
	req := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{Method: http.MethodGet, URL: "http://example.test/a"}, listener)
	req.WithRetryPolicy(NewRetryPolicyWith(100, 1, 0))
	q.Add(req)

	requireResponse(t, listener, "b-body")
	require.Equal(t, 2, transport.callCount())
	require.Equal(t, "http://example.test/a", transport.callAt(0).url)
	require.Equal(t, "http://example.test/b", transport.callAt(1).url)
	require.Equal(t, "http://example.test/a", req.OriginURL())
	require.Equal(t, "http://example.test/b", req.URL())
}

// ttlSnapshotListener records, for every intermediate delivery, the
// entry's TTL/SoftTTL as read from disk at the moment of delivery —
// before the cache stage's background-revalidation callback runs, so
// the snapshot can never race with the revalidation's own disk.Put.
type ttlSnapshotListener struct {
	q             *Queue
	key           string
	responses     chan string
	intermediates chan bool
	ttlSnapshots  chan [2]int64
}

func newTTLSnapshotListener(q *Queue, key string) *ttlSnapshotListener {
	return &ttlSnapshotListener{
		q:             q,
		key:           key,
		responses:     make(chan string, 8),
		intermediates: make(chan bool, 8),
		ttlSnapshots:  make(chan [2]int64, 8),
	}
}

func (l *ttlSnapshotListener) DeliverResponse(v []byte, intermediate bool) {
	if intermediate {
		var snap [2]int64
		if entry, ok := l.q.disk.Get(l.key); ok {
			snap = [2]int64{entry.TTL, entry.SoftTTL}
		}
		l.ttlSnapshots <- snap
	}
	l.intermediates <- intermediate
	l.responses <- string(v)
}

func (l *ttlSnapshotListener) DeliverError(err error) {}

// A disk entry past its soft TTL but not yet expired delivers the stale
// body immediately (intermediate=true) without touching the entry's
// stored TTL/SoftTTL, then revalidates in the background and delivers
// the refreshed body as the terminal response.
func TestQueueSoftTTLHitDeliversIntermediateThenRevalidates(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{status: 200, header: http.Header{"Cache-Control": {"max-age=60"}}, body: "fresh-body"},
	}}
	q := newTestQueue(t, transport)

	now := time.Now()
	seeded := &CacheEntry{
		Data:            []byte("stale-body"),
		TTL:             now.Add(time.Hour).UnixMilli(),
		SoftTTL:         now.Add(-time.Second).UnixMilli(),
		ResponseHeaders: map[string]string{},
	}
	key := "GET:http://example.test/soft"
	require.NoError(t, q.disk.Put(key, seeded))

	listener := newTTLSnapshotListener(q, key)
	req := NewRequest[[]byte](MethodGet, "http://example.test/soft", BytesParser{Method: http.MethodGet, URL: "http://example.test/soft"}, listener)
	q.Add(req)

	select {
	case intermediate := <-listener.intermediates:
		require.True(t, intermediate, "first delivery for a soft-TTL hit must be intermediate")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for intermediate delivery")
	}
	require.Equal(t, "stale-body", <-listener.responses)

	snap := <-listener.ttlSnapshots
	require.Equal(t, seeded.TTL, snap[0], "intermediate delivery must not rewrite the entry's TTL")
	require.Equal(t, seeded.SoftTTL, snap[1], "intermediate delivery must not rewrite the entry's SoftTTL")

	select {
	case intermediate := <-listener.intermediates:
		require.False(t, intermediate, "second delivery must be terminal")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal delivery")
	}
	require.Equal(t, "fresh-body", <-listener.responses)

	require.Equal(t, 1, transport.callCount())

	require.Eventually(t, func() bool {
		refreshed, ok := q.disk.Get(key)
		return ok && refreshed.TTL != seeded.TTL
	}, time.Second, 5*time.Millisecond, "revalidation must have rewritten the entry's TTL")
}

// Tag-based cancellation: canceled requests never reach the listener.
func TestQueueCancelTagPreventsDelivery(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{status: 200, header: http.Header{"Cache-Control": {"no-store"}}, body: "never"},
	}}
	q := newTestQueue(t, transport)

	listener := newCollectingListener()
	req := NewRequest[[]byte](MethodGet, "http://example.test/tagged", BytesParser{Method: http.MethodGet, URL: "http://example.test/tagged"}, listener)
	req.WithTag("batch-1")
	q.Add(req)
	q.CancelTag("batch-1")

	select {
	case v := <-listener.responses:
		t.Fatalf("canceled request must not deliver a response, got %q", v)
	case <-time.After(100 * time.Millisecond):
	}
}
