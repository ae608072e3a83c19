package queryrewriter

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/rsc-edge/normalize"
)

// RawQuery is a query string split into its `&`-separated segments.
// Segments keep their original bytes, so rewriting one parameter
// does not re-encode or reorder any other parameter.
type RawQuery struct {
	segments []string
}

// Parse splits a raw (still escaped) query string.
func Parse(raw string) *RawQuery {
	if raw == "" {
		return &RawQuery{}
	}
	return &RawQuery{segments: strings.Split(raw, "&")}
}

// Lookup returns the value of the first segment named `name`.
// A segment without "=" is present with an empty value.
func (q *RawQuery) Lookup(name string) (string, bool) {
	i := q.index(name)
	if i < 0 {
		return "", false
	}
	_, rawValue, _ := strings.Cut(q.segments[i], "=")
	value, err := url.QueryUnescape(rawValue)
	if err != nil {
		return rawValue, true
	}
	return value, true
}

// Set replaces the first segment named `name`, keeping its raw key.
// If there is no such segment, one is appended.
func (q *RawQuery) Set(name, value string) {
	i := q.index(name)
	if i < 0 {
		q.segments = append(q.segments, url.QueryEscape(name)+"="+url.QueryEscape(value))
		return
	}
	rawKey, _, _ := strings.Cut(q.segments[i], "=")
	q.segments[i] = rawKey + "=" + url.QueryEscape(value)
}

func (q *RawQuery) String() string {
	return strings.Join(q.segments, "&")
}

func (q *RawQuery) index(name string) int {
	for i, segment := range q.segments {
		if segment == "" {
			continue
		}
		rawKey, _, _ := strings.Cut(segment, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		if key == name {
			return i
		}
	}
	return -1
}

// Rewrite normalizes a raw query string.
// It returns the rewritten query and the parameters that changed.
// An unchanged query is returned byte for byte.
func Rewrite(raw string, n *normalize.Normalizer) (string, []string) {
	q := Parse(raw)
	changed := n.Normalize(q)
	if len(changed) == 0 {
		return raw, nil
	}
	return q.String(), changed
}

// Request normalizes the query of r in place.
func Request(r *http.Request, n *normalize.Normalizer) []string {
	if r == nil || r.URL == nil || r.URL.RawQuery == "" {
		return nil
	}
	raw, changed := Rewrite(r.URL.RawQuery, n)
	if len(changed) > 0 {
		r.URL.RawQuery = raw
		// keep the wire form consistent for handlers reading it
		if r.RequestURI != "" {
			r.RequestURI = r.URL.RequestURI()
		}
	}
	return changed
}

// Middleware normalizes every request before passing it on.
func Middleware(n *normalize.Normalizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Request(r, n)
			next.ServeHTTP(w, r)
		})
	}
}
