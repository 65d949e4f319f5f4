package reqpipeline

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMethodHTTPVerb(t *testing.T) {
	require.Equal(t, http.MethodGet, MethodGetOrPost.httpVerb(false))
	require.Equal(t, http.MethodPost, MethodGetOrPost.httpVerb(true))
	require.Equal(t, http.MethodGet, MethodGet.httpVerb(true))
	require.Equal(t, http.MethodDelete, MethodDelete.httpVerb(false))
}

func TestRequestIDsAreUniqueAndStable(t *testing.T) {
	r := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{}, nil)
	id1 := r.ID()
	id2 := r.ID()
	require.Equal(t, id1, id2)

	other := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{}, nil)
	require.NotEqual(t, id1, other.ID())
}

func TestRequestCacheKeyDefaultsToMethodAndURL(t *testing.T) {
	r := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{}, nil)
	require.Equal(t, "GET:http://example.test/a", r.cacheKey())

	r.WithCachePolicy(true, "custom-key")
	require.Equal(t, "custom-key", r.cacheKey())
}

func TestRequestRedirectPreservesOriginURL(t *testing.T) {
	r := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{}, nil)
	require.Equal(t, "http://example.test/a", r.OriginURL())

	r.setRedirectURL("http://example.test/b")
	require.Equal(t, "http://example.test/b", r.URL())
	require.Equal(t, "http://example.test/a", r.OriginURL())
}

func TestRequestFinishCallsQueueFinishExactlyOnce(t *testing.T) {
	q := NewQueue(QueueOptions{CacheDir: t.TempDir()}, NewDelivery(nil))
	var calls int
	q.AddFinishedListener(func(id string) { calls++ })

	r := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{}, nil)
	r.bindQueue(q)

	r.finish("done")
	r.finish("done-again")
	require.Equal(t, 1, calls)
}

func TestPostToDeliveryDeliversErrorWhenPending(t *testing.T) {
	var gotErr error
	var gotValue []byte
	listener := funcListener{
		onResponse: func(v []byte, intermediate bool) { gotValue = v },
		onError:    func(err error) { gotErr = err },
	}
	r := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{}, listener)

	r.setPendingError(&PipelineError{Kind: ErrServer, StatusCode: 500})
	r.postToDelivery(false, nil)

	require.Error(t, gotErr)
	require.Nil(t, gotValue)
}

func TestPostToDeliveryHonorsCancellation(t *testing.T) {
	var called bool
	listener := funcListener{
		onResponse: func(v []byte, intermediate bool) { called = true },
		onError:    func(err error) { called = true },
	}
	r := NewRequest[[]byte](MethodGet, "http://example.test/a", BytesParser{}, listener)
	r.Cancel()
	r.postToDelivery(false, nil)
	require.False(t, called, "a canceled request must not reach the listener")
}

type funcListener struct {
	onResponse func([]byte, bool)
	onError    func(error)
}

func (f funcListener) DeliverResponse(v []byte, intermediate bool) { f.onResponse(v, intermediate) }
func (f funcListener) DeliverError(err error)                      { f.onError(err) }
