// Package freshness decides whether origin responses may be stored by a shared cache,
// and for how long.
package freshness

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// statuses that are cacheable by default (heuristically cacheable)
var cacheableStatus = map[int]bool{
	200: true, 203: true, 204: true,
	300: true, 301: true, 308: true,
	404: true, 405: true, 410: true, 414: true,
	501: true,
}

// statuses whose semantics the edge implements for must-understand
var understoodStatus = map[int]bool{
	200: true,
}

// MustNotStore returns a boolean indicating if a particular origin response
// MUST NOT be stored in the cache.
//
// The response must include Header, StatusCode and Request (with Method);
// an error is returned if any of these is missing.
// Responses without an explicit, positive freshness lifetime are not stored,
// since there is no validation to make use of them later.
func MustNotStore(res *http.Response) (bool, error) {
	if len(res.Header) == 0 {
		return true, fmt.Errorf("Response headers empty")
	}
	if res.StatusCode == 0 {
		return true, fmt.Errorf("Response status code empty")
	}
	if res.Request == nil {
		return true, fmt.Errorf("Response request object empty")
	}
	if res.Request.Method == "" {
		return true, fmt.Errorf("Response request method empty")
	}

	if res.Request.Method != http.MethodGet {
		return true, nil
	}
	// partial content and validation responses answer one client's
	// Range or conditional headers and are never reusable as is
	if res.StatusCode == http.StatusPartialContent || res.StatusCode == http.StatusNotModified {
		return true, nil
	}
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	if cc.Has("must-understand") && !understoodStatus[res.StatusCode] {
		return true, nil
	}
	if cc.Has("no-store") && !cc.Has("must-understand") {
		return true, nil
	}
	if cc.Has("private") || cc.Has("no-cache") {
		return true, nil
	}
	_, hasSMaxAge := cc.SMaxAge()
	if res.Request.Header.Get("Authorization") != "" && !hasSMaxAge && !cc.Has("public") {
		return true, nil
	}
	if !cacheableStatus[res.StatusCode] && !explicitlyFresh(res, cc) {
		return true, nil
	}
	return Lifetime(res) <= 0, nil
}

func explicitlyFresh(res *http.Response, cc CacheControl) bool {
	_, hasMaxAge := cc.MaxAge()
	_, hasSMaxAge := cc.SMaxAge()
	return hasMaxAge || hasSMaxAge || res.Header.Get("Expires") != ""
}

// Lifetime returns the freshness lifetime for a shared cache:
// s-maxage, then max-age, then Expires minus Date.
func Lifetime(res *http.Response) time.Duration {
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	if sMaxAge, ok := cc.SMaxAge(); ok {
		return sMaxAge
	}
	if maxAge, ok := cc.MaxAge(); ok {
		return maxAge
	}
	if expiresStr := res.Header.Get("Expires"); expiresStr != "" {
		expires, err := http.ParseTime(expiresStr)
		if err != nil {
			// invalid Expires means already expired
			return 0
		}
		date, err := http.ParseTime(res.Header.Get("Date"))
		if err != nil {
			date = time.Now()
		}
		return expires.Sub(date)
	}
	return 0
}

// Expiration returns the time at which a response received at `receivedAt` becomes stale.
// An Age header on the response is taken into account.
func Expiration(res *http.Response, receivedAt time.Time) time.Time {
	return receivedAt.Add(Lifetime(res) - age(res))
}

// AddAgeHeader sets the Age header of a stored response about to be served.
// The age is the age the response had when received, plus the time it has been stored.
func AddAgeHeader(res *http.Response, receivedAt, now time.Time) {
	current := age(res) + now.Sub(receivedAt)
	if current < 0 {
		current = 0
	}
	res.Header.Set("Age", strconv.FormatInt(int64(current/time.Second), 10))
}

func age(res *http.Response) time.Duration {
	if ageStr := res.Header.Get("Age"); ageStr != "" {
		return deltaSeconds(ageStr)
	}
	return 0
}
