// Package rscedge is a caching reverse proxy with a viewer-request hook.
//
// Every incoming request is first normalized (volatile query parameters such as
// `_rsc` are collapsed to a sentinel), then looked up in the cache, and only on a
// miss forwarded to the origin. Storable origin responses are saved for reuse.
package rscedge

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/always-cache/rsc-edge/cache"
	"github.com/always-cache/rsc-edge/normalize"
	cachekey "github.com/always-cache/rsc-edge/pkg/cache-key"
	cacheupdate "github.com/always-cache/rsc-edge/pkg/cache-update"
	"github.com/always-cache/rsc-edge/pkg/freshness"
	queryrewriter "github.com/always-cache/rsc-edge/pkg/query-rewriter"
	tee "github.com/always-cache/rsc-edge/pkg/response-writer-tee"
	"github.com/always-cache/rsc-edge/rfc9211"
)

var ErrorNoOrigin = fmt.Errorf("origin URL not set")

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Normalizer applied to every request before the cache key is computed.
	// The default normalizer (`_rsc` -> `1`) is used if nil.
	Normalizer *normalize.Normalizer
	// Skip query normalization altogether, e.g. to observe the cache misses it prevents.
	DisableNormalization bool
	// Optional function for mutating the incoming request after normalization.
	// Use it e.g. for setting the request `Cache-Key` header when needed.
	RequestModifier func(*http.Request)
	// Optional function for transforming the origin response.
	// Use it e.g. for adding Cache-Control or other headers.
	ResponseModifier func(*http.Response) error
	// Disable refreshing of expiring content.
	DisableUpdates bool
	// Entries expiring within this window are refreshed. Defaults to 15s.
	RefreshWindow time.Duration
	// Maximum refresh requests per second sent to the origin. Defaults to 5.
	RefreshRate float64
	// Metrics to record to. A new registry is created if nil.
	Metrics *Metrics
	// Transport for origin requests. Optional.
	Transport http.RoundTripper
}

type Edge struct {
	cache           cache.CacheProvider
	keyer           cachekey.CacheKeyer
	log             zerolog.Logger
	normalizer      *normalize.Normalizer
	requestModifier func(*http.Request)
	reverseproxy    httputil.ReverseProxy
	metrics         *Metrics
	refreshWindow   time.Duration
	limiter         *rate.Limiter
}

// CreateEdge initializes the edge instance.
// Call Run to start refreshing expiring entries.
func CreateEdge(config Config) (*Edge, error) {
	if config.OriginURL.Host == "" {
		return nil, ErrorNoOrigin
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("cache provider not set")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	e := &Edge{
		cache:           config.Cache,
		keyer:           cachekey.NewCacheKeyer(config.OriginURL.String()),
		log:             logger,
		normalizer:      config.Normalizer,
		requestModifier: config.RequestModifier,
		metrics:         config.Metrics,
	}
	if e.normalizer == nil {
		e.normalizer = normalize.Default()
	}
	if config.DisableNormalization {
		e.normalizer = nil
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{ServerName: config.OriginHost},
			}
		}
	}

	e.reverseproxy = httputil.ReverseProxy{
		Director:       createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:      transport,
		ModifyResponse: e.modifyResponse(config.ResponseModifier),
		ErrorHandler:   e.originError,
		FlushInterval:  -1,
	}

	if !config.DisableUpdates {
		e.refreshWindow = config.RefreshWindow
		if e.refreshWindow <= 0 {
			e.refreshWindow = 15 * time.Second
		}
		refreshRate := config.RefreshRate
		if refreshRate <= 0 {
			refreshRate = 5
		}
		e.limiter = rate.NewLimiter(rate.Limit(refreshRate), 1)
	}

	return e, nil
}

// Metrics returns the metrics the edge records to.
func (e *Edge) Metrics() *Metrics {
	return e.metrics
}

// Cache returns the underlying cache provider.
func (e *Edge) Cache() cache.CacheProvider {
	return e.cache
}

type ctxKey struct{}

// requestState travels with the request (and the cloned origin request) through the proxy.
type requestState struct {
	fwdReason  rfc9211.FwdReason
	normalized []string
}

func stateFrom(ctx context.Context) *requestState {
	if s, ok := ctx.Value(ctxKey{}).(*requestState); ok {
		return s
	}
	return &requestState{fwdReason: rfc9211.FwdReasonMiss}
}

// ServeHTTP implements the http.Handler interface.
func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := &requestState{normalized: e.viewerRequest(r)}
	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, state))

	if isUnsafe(r.Method) {
		state.fwdReason = rfc9211.FwdReasonMethod
		e.forwardUnsafe(w, r, state)
		return
	}
	if r.Method != http.MethodGet {
		state.fwdReason = rfc9211.FwdReasonMethod
		e.proxy(w, r, state, false)
		return
	}
	state.fwdReason = e.serveStored(w, r, state)
	if state.fwdReason == "" {
		return
	}
	e.proxy(w, r, state, true)
}

// viewerRequest runs the request hooks, before any cache key is computed.
func (e *Edge) viewerRequest(r *http.Request) []string {
	var changed []string
	if e.normalizer != nil {
		changed = queryrewriter.Request(r, e.normalizer)
		for _, param := range changed {
			e.metrics.NormalizedTotal.WithLabelValues(param).Inc()
		}
	}
	if e.requestModifier != nil {
		e.requestModifier(r)
	}
	return changed
}

// serveStored sends a fresh stored response matching the request, if there is one.
// Otherwise it returns the reason the request needs to go to the origin.
func (e *Edge) serveStored(w http.ResponseWriter, r *http.Request, state *requestState) rfc9211.FwdReason {
	entries := e.getResponsesForUri(r)
	if len(entries) == 0 {
		return rfc9211.FwdReasonUriMiss
	}
	reason := rfc9211.FwdReasonVaryMiss
	now := time.Now()
	for _, ce := range entries {
		res, err := readStoredResponse(ce.Bytes, r)
		if err != nil {
			e.log.Error().Err(err).Str("key", ce.Key).Msg("Could not read stored response")
			continue
		}
		if !e.keyer.Matches(ce.Key, r, res) {
			res.Body.Close()
			continue
		}
		if !now.Before(ce.Expires) {
			res.Body.Close()
			reason = rfc9211.FwdReasonStale
			continue
		}
		cs := rfc9211.CacheStatus{TimeToLive: int(ce.Expires.Sub(now) / time.Second)}
		cs.Hit()
		cs.Detail = normalizedDetail(state.normalized)
		e.sendStoredResponse(w, r, res, ce, cs)
		return ""
	}
	return reason
}

func (e *Edge) sendStoredResponse(w http.ResponseWriter, r *http.Request, res *http.Response, ce cache.CacheEntry, cs rfc9211.CacheStatus) {
	defer res.Body.Close()
	freshness.AddAgeHeader(res, ce.ReceivedAt, time.Now())
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		e.log.Error().Err(err).Msg("Could not write response body to client")
	}
	e.logRequest(r, cs)
	e.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (e *Edge) getResponsesForUri(r *http.Request) []cache.CacheEntry {
	keyUriPrefix := e.keyer.GetKeyPrefix(r)
	e.log.Trace().Str("key", keyUriPrefix).Msg("Getting cached entries")
	cacheEntries, err := e.cache.All(keyUriPrefix)
	if err != nil {
		e.metrics.StoreErrors.Inc()
		e.log.Error().Err(err).Msg("Could not retrieve from cache")
		return nil
	}
	e.log.Trace().Str("key", keyUriPrefix).Msgf("Found %v cache entries", len(cacheEntries))
	return cacheEntries
}

// proxy forwards the request to the origin, writing the response to the client.
// If store is set, a storable response is saved to the cache afterwards.
func (e *Edge) proxy(w http.ResponseWriter, r *http.Request, state *requestState, store bool) {
	e.log.Trace().Msgf("proxying %s", r.URL.String())
	rwtee := tee.NewResponseSaver(w)
	e.fetch(rwtee, r)

	e.log.Trace().Msgf("Proxied body (%d bytes)", rwtee.BodySize())

	cs := rfc9211.CacheStatus{}
	cs.Forward(state.fwdReason)
	if store {
		key, err := e.writeCache(rwtee, r)
		if err != nil {
			e.log.Debug().Err(err).Msg("Could not store response")
		}
		cs.Stored = key != ""
	}
	e.logRequest(r, cs)
}

// fetch sends the request to the origin and records how long it took.
func (e *Edge) fetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	e.reverseproxy.ServeHTTP(w, r)
	e.metrics.OriginDuration.Observe(time.Since(start).Seconds())
}

// forwardUnsafe proxies a request with unsafe method and, if it succeeded,
// invalidates stored responses for its URI and for the URIs in Location and Content-Location.
func (e *Edge) forwardUnsafe(w http.ResponseWriter, r *http.Request, state *requestState) {
	rwtee := tee.NewResponseSaver(w)
	e.fetch(rwtee, r)
	cs := rfc9211.CacheStatus{}
	cs.Forward(state.fwdReason)
	e.logRequest(r, cs)

	if status := rwtee.StatusCode(); status < 200 || status >= 400 {
		return
	}
	for _, uri := range invalidateURIs(r, rwtee.Header()) {
		uri = e.normalizeURI(uri)
		n, err := e.cache.PurgePrefix(e.keyer.URIPrefix(uri))
		if err != nil {
			e.metrics.StoreErrors.Inc()
			e.log.Error().Err(err).Str("uri", uri).Msg("Could not invalidate stored responses")
			continue
		}
		e.log.Trace().Str("uri", uri).Msgf("Invalidated %d stored responses", n)
	}

	base := *r.URL
	base.Host = r.Host
	for _, update := range cacheupdate.GetCacheUpdates(&base, rwtee.Header()) {
		e.scheduleUpdate(e.normalizeURI(update.URI), update.Delay)
	}
}

// normalizeURI applies the normalizer to the query of a request URI.
func (e *Edge) normalizeURI(uri string) string {
	path, query, found := strings.Cut(uri, "?")
	if !found || e.normalizer == nil {
		return uri
	}
	query, _ = queryrewriter.Rewrite(query, e.normalizer)
	return path + "?" + query
}

// invalidateURIs returns the request URIs to invalidate after a successful unsafe request.
// Location and Content-Location are only used when they point to the same host.
func invalidateURIs(r *http.Request, header http.Header) []string {
	uris := []string{r.URL.RequestURI()}
	for _, name := range []string{"Location", "Content-Location"} {
		value := header.Get(name)
		if value == "" {
			continue
		}
		loc, err := url.Parse(value)
		if err != nil {
			continue
		}
		if loc.Host != "" && loc.Host != r.Host {
			continue
		}
		uris = append(uris, r.URL.ResolveReference(loc).RequestURI())
	}
	return uris
}

// writeCache stores the recorded response if it may be stored.
// It returns the key it was stored under, or an empty string if it was not stored.
func (e *Edge) writeCache(rw *tee.ResponseSaver, r *http.Request) (string, error) {
	res := &http.Response{
		Header:     rw.Header(),
		StatusCode: rw.StatusCode(),
		Request:    r,
	}
	if noStore, err := freshness.MustNotStore(res); err != nil {
		return "", err
	} else if noStore {
		return "", nil
	}
	receivedAt := time.Now()
	key := e.keyer.AddVaryKeys(e.keyer.GetKeyPrefix(r), r, res)
	ce := cache.CacheEntry{
		Key:         key,
		Expires:     freshness.Expiration(res, receivedAt),
		RequestedAt: rw.CreatedAt,
		ReceivedAt:  receivedAt,
		Bytes:       rw.Response(),
	}
	e.log.Trace().Msgf("Writing to cache: %v %v", key, ce.Expires)
	if err := e.cache.PutCE(ce); err != nil {
		e.metrics.StoreErrors.Inc()
		return "", err
	}
	return key, nil
}

// modifyResponse applies the configured response modifier
// and marks the origin response with its Cache-Status.
func (e *Edge) modifyResponse(modifier func(*http.Response) error) func(*http.Response) error {
	return func(res *http.Response) error {
		if modifier != nil {
			if err := modifier(res); err != nil {
				return err
			}
		}
		state := stateFrom(res.Request.Context())
		cs := rfc9211.CacheStatus{}
		cs.Forward(state.fwdReason)
		if res.Request.Method == http.MethodGet && state.fwdReason != rfc9211.FwdReasonMethod {
			noStore, err := freshness.MustNotStore(res)
			cs.Stored = err == nil && !noStore
		}
		cs.Detail = normalizedDetail(state.normalized)
		res.Header.Set("Cache-Status", cs.String())
		return nil
	}
}

func (e *Edge) originError(w http.ResponseWriter, r *http.Request, err error) {
	e.log.Error().Err(err).Str("url", r.URL.String()).Msg("Origin request failed")
	w.WriteHeader(http.StatusBadGateway)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func readStoredResponse(b []byte, r *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), r)
}

func isUnsafe(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func normalizedDetail(params []string) string {
	if len(params) == 0 {
		return ""
	}
	return "normalized " + strings.Join(params, ",")
}

func (e *Edge) logRequest(r *http.Request, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	e.metrics.RequestsTotal.WithLabelValues(string(cs.Status), string(cs.FwdReason)).Inc()
	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("ttl", cs.TimeToLive).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// remove default headers sent by an upstream proxy
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
