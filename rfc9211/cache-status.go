// Package rfc9211 renders the Cache-Status response header field.
package rfc9211

import (
	"strconv"
	"strings"
)

// CacheName identifies this cache in the Cache-Status header.
const CacheName = "rsc-edge"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache contained a response that matched the request
	// URI, but it could not select a response based upon this request's
	// header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

type CacheStatus struct {
	Status     Status
	FwdReason  FwdReason
	Stored     bool
	TimeToLive int
	Key        string
	Detail     string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String renders the header value, e.g. `rsc-edge; hit; ttl=30`
// or `rsc-edge; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	parts := []string{CacheName}
	if cs.Status == StatusHit {
		parts = append(parts, StatusHit)
	} else if cs.FwdReason != "" {
		parts = append(parts, "fwd="+string(cs.FwdReason))
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Status == StatusHit {
		parts = append(parts, "ttl="+strconv.Itoa(cs.TimeToLive))
	}
	if cs.Key != "" {
		parts = append(parts, "key="+strconv.Quote(cs.Key))
	}
	if cs.Detail != "" {
		parts = append(parts, "detail="+strconv.Quote(cs.Detail))
	}
	return strings.Join(parts, "; ")
}
