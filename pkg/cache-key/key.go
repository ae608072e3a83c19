package cachekey

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const (
	originSeparator = ":"
	methodSeparator = ":"
	varySeparator   = "\t"
	headerSeparator = "\n"
)

type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin URL.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all GET requests in the cache.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + method + methodSeparator
}

// URIPrefix gets the key prefix for all stored responses to GET requests for the given URI,
// regardless of `Cache-Key` header and vary headers.
func (c CacheKeyer) URIPrefix(requestURI string) string {
	return c.MethodPrefix(http.MethodGet) + requestURI + varySeparator
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
// The request URI is used as is, so the query must be normalized before calling this.
// If the request has a `Cache-Key` header, that value is included in the key prefix.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	key := c.MethodPrefix(r.Method) + r.URL.RequestURI() + varySeparator
	if ck := r.Header.Get("Cache-Key"); ck != "" {
		key += ck
	}
	return key
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range varyFields(res.Header) {
		if values := req.Header.Values(name); len(values) > 0 {
			key = key + headerSeparator + strings.ToLower(name) + ": " + strings.Join(values, ", ")
		}
	}
	return key
}

// Matches reports whether a stored key can be used for the request,
// i.e. whether the request would produce the same key against the stored response.
// A stored `Vary: *` never matches.
func (c CacheKeyer) Matches(key string, req *http.Request, res *http.Response) bool {
	for _, name := range varyFields(res.Header) {
		if name == "*" {
			return false
		}
	}
	return c.AddVaryKeys(c.GetKeyPrefix(req), req, res) == key
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return nil, fmt.Errorf("%w: origin does not match: %s", ErrorMalformedKey, key)
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	keyNoVary, rest, found := strings.Cut(keyNoOrigin, varySeparator)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetVaryHeaders(key)
	if cacheKey, _, _ := strings.Cut(rest, headerSeparator); cacheKey != "" {
		req.Header.Set("Cache-Key", cacheKey)
	}
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, headerSeparator)
	for i := 1; i < len(lines); i++ {
		name, value, found := strings.Cut(lines[i], ": ")
		if !found {
			continue
		}
		header.Add(name, value)
	}
	return header
}

// varyFields returns the canonical field names listed in the Vary header(s).
func varyFields(header http.Header) []string {
	var fields []string
	for _, line := range header.Values("Vary") {
		for _, field := range strings.Split(line, ",") {
			if field = strings.TrimSpace(field); field != "" {
				fields = append(fields, textproto.CanonicalMIMEHeaderKey(field))
			}
		}
	}
	return fields
}
