package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheUpdate represents a single `Cache-Update` entry, e.g.
//
//	Cache-Update: /products/3?_rsc=1; delay=5
//
// sent by the origin in response to an unsafe request.
type CacheUpdate struct {
	// Request URI of the resource, resolved against the request URL.
	URI string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// GetCacheUpdates gets the updates specified by the response headers.
// The request URL is used in order to resolve potentially relative update paths.
// Updates pointing to another host are ignored.
func GetCacheUpdates(reqURL *url.URL, header http.Header) []CacheUpdate {
	var updates []CacheUpdate
	for _, value := range header.Values("Cache-Update") {
		for _, update := range strings.Split(value, ",") {
			// path is the first element
			path, _, _ := strings.Cut(update, ";")
			u, err := url.Parse(strings.TrimSpace(path))
			if err != nil || u.Path == "" || (u.Host != "" && u.Host != reqURL.Host) {
				continue
			}
			updates = append(updates, CacheUpdate{
				URI:   reqURL.ResolveReference(u).RequestURI(),
				Delay: getDelay(update),
			})
		}
	}
	return updates
}

// getDelay returns the delay to wait before updating the cache from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayDirective.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
