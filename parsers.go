package reqpipeline

import (
	"net/http"
	"time"
)

// BytesParser is the simplest Parser[[]byte]: it hands back the response
// body unchanged and derives a CacheEntry via DeriveCacheEntry from the
// method/url/headers carried alongside the response. Typed requests
// (JSON, protobuf, ...) can embed it or follow the same pattern for their
// own T.
type BytesParser struct {
	Method string
	URL    string
}

func (p BytesParser) ParseNetworkResponse(raw *NetworkResponse) ([]byte, *CacheEntry, error) {
	if raw.FromCache {
		// Already-stored entry served straight from disk: hand the body
		// back for delivery without touching the entry that produced it.
		return raw.Body, nil, nil
	}

	hdr := make(http.Header, len(raw.Headers))
	for k, v := range raw.Headers {
		hdr.Set(k, v)
	}

	if raw.NotModified {
		return raw.Body, DeriveRevalidatedCacheEntry(hdr, raw.Body, time.Now()), nil
	}

	req, err := http.NewRequest(p.Method, p.URL, nil)
	if err != nil {
		return raw.Body, nil, nil
	}

	entry, ok := DeriveCacheEntry(req, raw.StatusCode, hdr, raw.Body, time.Now())
	if !ok {
		return raw.Body, nil, nil
	}
	return raw.Body, entry, nil
}

func (p BytesParser) ParseNetworkError(err error) error { return err }

var _ Parser[[]byte] = BytesParser{}
