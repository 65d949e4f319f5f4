package reqpipeline

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/cachecontrol/cacheobject"
)

// DeriveCacheEntry turns one fresh (200) HTTP response into a CacheEntry, or
// reports ok == false when the response must not be cached at all
// (no-store, private on a shared cache, explicit Cache-Control veto, ...).
// Cacheability itself is decided by cacheobject.UsingRequestResponse before
// anything is written to disk; ttl/soft_ttl are then derived from
// Cache-Control max-age/stale-while-revalidate, Expires and Age.
func DeriveCacheEntry(req *http.Request, statusCode int, headers http.Header, body []byte, now time.Time) (*CacheEntry, bool) {
	reasons, _, err := cacheobject.UsingRequestResponse(req, statusCode, headers, false)
	if err != nil || len(reasons) > 0 {
		return nil, false
	}
	return buildFreshEntry(headers, body, now), true
}

// DeriveRevalidatedCacheEntry rebuilds a CacheEntry after a 304 response:
// the entry is already in the cache (that is what made the conditional
// request possible), so no cacheability veto is consulted — only the
// freshness window is recomputed from the merged response headers.
func DeriveRevalidatedCacheEntry(headers http.Header, body []byte, now time.Time) *CacheEntry {
	return buildFreshEntry(headers, body, now)
}

func buildFreshEntry(headers http.Header, body []byte, now time.Time) *CacheEntry {
	serverDate := parseHTTPDate(headers.Get("Date"), now)
	age := parseAgeSeconds(headers.Get("Age"))

	var maxAgeSec int64 = -1
	var staleWhileRevalidateSec int64
	mustRevalidate := false
	hasCacheControl := false

	for _, directive := range strings.Split(headers.Get("Cache-Control"), ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		if directive == "" {
			continue
		}
		hasCacheControl = true
		switch {
		case directive == "must-revalidate" || directive == "proxy-revalidate":
			mustRevalidate = true
		case strings.HasPrefix(directive, "max-age="):
			if v, err := strconv.ParseInt(strings.TrimPrefix(directive, "max-age="), 10, 64); err == nil {
				maxAgeSec = v
			}
		case strings.HasPrefix(directive, "stale-while-revalidate="):
			if v, err := strconv.ParseInt(strings.TrimPrefix(directive, "stale-while-revalidate="), 10, 64); err == nil {
				staleWhileRevalidateSec = v
			}
		}
	}

	var softExpireMs, finalExpireMs int64
	switch {
	case hasCacheControl && maxAgeSec >= 0:
		adjustedMaxAge := maxAgeSec - age
		if adjustedMaxAge < 0 {
			adjustedMaxAge = 0
		}
		softExpireMs = now.UnixMilli() + adjustedMaxAge*1000
		finalExpireMs = softExpireMs + staleWhileRevalidateSec*1000
	case headers.Get("Expires") != "":
		expires := parseHTTPDate(headers.Get("Expires"), time.UnixMilli(0))
		if expires.UnixMilli() > 0 {
			softExpireMs = now.UnixMilli() + (expires.UnixMilli() - serverDate.UnixMilli())
			finalExpireMs = softExpireMs
		}
	default:
		// No freshness information at all: cacheable (cacheobject said so,
		// e.g. via a heuristic) but must revalidate on every use.
		softExpireMs = now.UnixMilli()
		finalExpireMs = softExpireMs
	}

	ttl := finalExpireMs
	if mustRevalidate {
		ttl = softExpireMs
	}
	if ttl < softExpireMs {
		ttl = softExpireMs
	}

	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[k] = headers.Get(k)
	}

	return &CacheEntry{
		Data:            body,
		ETag:            headers.Get("ETag"),
		ServerDate:      serverDate.UnixMilli(),
		LastModified:    parseHTTPDate(headers.Get("Last-Modified"), time.UnixMilli(0)).UnixMilli(),
		TTL:             ttl,
		SoftTTL:         softExpireMs,
		ResponseHeaders: flat,
	}
}

func parseHTTPDate(v string, fallback time.Time) time.Time {
	if v == "" {
		return fallback
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return fallback
	}
	return t
}

func parseAgeSeconds(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
