package reqpipeline

import "time"

// CacheEntry is the in-memory/on-disk representation of one cached
// response body plus the metadata needed to revalidate or expire it. All
// timestamps are Unix milliseconds.
type CacheEntry struct {
	Data            []byte
	ETag            string
	ServerDate      int64
	LastModified    int64
	TTL             int64
	SoftTTL         int64
	ResponseHeaders map[string]string
}

// IsExpired reports whether the entry must not be served without
// revalidation.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.UnixMilli() > e.TTL
}

// RefreshNeeded reports whether the entry may still be served but a
// background revalidation should be triggered.
func (e *CacheEntry) RefreshNeeded(now time.Time) bool {
	return now.UnixMilli() > e.SoftTTL
}

func (e *CacheEntry) clone() *CacheEntry {
	if e == nil {
		return nil
	}
	headers := make(map[string]string, len(e.ResponseHeaders))
	for k, v := range e.ResponseHeaders {
		headers[k] = v
	}
	data := make([]byte, len(e.Data))
	copy(data, e.Data)
	return &CacheEntry{
		Data:            data,
		ETag:            e.ETag,
		ServerDate:      e.ServerDate,
		LastModified:    e.LastModified,
		TTL:             e.TTL,
		SoftTTL:         e.SoftTTL,
		ResponseHeaders: headers,
	}
}

// CacheHeader mirrors CacheEntry minus the body, plus the key and the
// total on-disk size of the entry. It is the unit kept in the in-memory,
// access-ordered index.
type CacheHeader struct {
	Key             string
	ETag            string
	ServerDate      int64
	LastModified    int64
	TTL             int64
	SoftTTL         int64
	ResponseHeaders map[string]string
	Size            uint64
}

// NetworkResponse is the result of one successful HTTP exchange (or a
// synthetic one built from a cache hit, in the cache stage). FromCache
// marks the latter: a parser must hand the stored value back for delivery
// without re-deriving or rewriting the disk entry that produced it.
type NetworkResponse struct {
	StatusCode    int
	Body          []byte
	Headers       map[string]string
	NotModified   bool
	FromCache     bool
	NetworkTimeMs int64
}
