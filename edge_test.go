package rscedge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/rsc-edge/cache"
	"github.com/always-cache/rsc-edge/normalize"
)

type origin struct {
	*httptest.Server
	count    atomic.Int32
	lastURI  atomic.Value
	noStore  atomic.Bool
	location string
	update   string
}

// newOrigin starts an origin that answers like a component-rendering app:
// a shared-cacheable payload varying on the RSC header.
func newOrigin(t *testing.T) *origin {
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.lastURI.Store(r.URL.RequestURI())
		o.count.Add(1)
		if r.Method == http.MethodPost {
			if o.location != "" {
				w.Header().Set("Location", o.location)
			}
			if o.update != "" {
				w.Header().Set("Cache-Update", o.update)
			}
			w.WriteHeader(http.StatusCreated)
			return
		}
		if o.noStore.Load() {
			w.Header().Set("Cache-Control", "no-store")
		} else {
			w.Header().Set("Cache-Control", "public, s-maxage=60")
		}
		w.Header().Set("Vary", "RSC, Next-Router-State-Tree, Next-Router-Prefetch")
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if r.Header.Get("Range") == "bytes=0-1" {
			w.Header().Set("Content-Range", "bytes 0-1/*")
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "pa")
			return
		}
		if r.Header.Get("RSC") == "1" {
			w.Header().Set("Content-Type", "text/x-component")
			io.WriteString(w, "payload "+r.URL.Path)
		} else {
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>"+r.URL.Path+"</html>")
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func newEdge(t *testing.T, o *origin, config Config) *Edge {
	t.Helper()
	u, err := url.Parse(o.URL)
	if err != nil {
		t.Fatal(err)
	}
	config.OriginURL = *u
	if config.Cache == nil {
		config.Cache = cache.NewMemCache()
	}
	logger := zerolog.Nop()
	config.Logger = &logger
	e, err := CreateEdge(config)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func rscRequest(target string) *http.Request {
	req := httptest.NewRequest("GET", target, nil)
	req.Header.Set("RSC", "1")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCreateEdgeNeedsOrigin(t *testing.T) {
	if _, err := CreateEdge(Config{Cache: cache.NewMemCache()}); err != ErrorNoOrigin {
		t.Fatalf("Error is %v", err)
	}
}

func TestNormalizedRequestsShareCacheEntry(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{DisableUpdates: true})

	first := serve(e, rscRequest("/products/1?_rsc=1ld0r"))
	second := serve(e, rscRequest("/products/1?_rsc=9zq2k"))

	if n := o.count.Load(); n != 1 {
		t.Fatalf("Origin called %d times", n)
	}
	if uri := o.lastURI.Load(); uri != "/products/1?_rsc=1" {
		t.Fatalf("Origin saw %s", uri)
	}
	if cs := first.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=uri-miss; stored") {
		t.Fatalf("First Cache-Status is %s", cs)
	}
	cs := second.Header().Get("Cache-Status")
	if !strings.HasPrefix(cs, "rsc-edge; hit") || !strings.Contains(cs, `detail="normalized _rsc"`) {
		t.Fatalf("Second Cache-Status is %s", cs)
	}
	if body := second.Body.String(); body != "payload /products/1" {
		t.Fatalf("Body is %s", body)
	}
	if ct := second.Header().Get("Content-Type"); ct != "text/x-component" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if second.Header().Get("Age") == "" {
		t.Fatal("No Age header on hit")
	}
}

func TestWithoutNormalizationEveryHashMisses(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{DisableUpdates: true, DisableNormalization: true})

	serve(e, rscRequest("/products/1?_rsc=1ld0r"))
	serve(e, rscRequest("/products/1?_rsc=9zq2k"))

	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestCustomRule(t *testing.T) {
	o := newOrigin(t)
	n, err := normalize.New(normalize.Rule{Param: "v", Sentinel: "0"})
	if err != nil {
		t.Fatal(err)
	}
	e := newEdge(t, o, Config{DisableUpdates: true, Normalizer: n})

	serve(e, rscRequest("/?v=1&_rsc=a"))
	serve(e, rscRequest("/?v=2&_rsc=a"))
	serve(e, rscRequest("/?v=2&_rsc=b"))

	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestVaryMiss(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{DisableUpdates: true})

	serve(e, rscRequest("/cart?_rsc=abc"))
	html := serve(e, httptest.NewRequest("GET", "/cart?_rsc=abc", nil))

	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
	if cs := html.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=vary-miss") {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if body := html.Body.String(); body != "<html>/cart</html>" {
		t.Fatalf("Body is %s", body)
	}
	// both variants are now stored
	serve(e, rscRequest("/cart?_rsc=def"))
	serve(e, httptest.NewRequest("GET", "/cart?_rsc=def", nil))
	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestNoStore(t *testing.T) {
	o := newOrigin(t)
	o.noStore.Store(true)
	e := newEdge(t, o, Config{DisableUpdates: true})

	rr := serve(e, rscRequest("/account"))
	serve(e, rscRequest("/account"))

	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
	if cs := rr.Header().Get("Cache-Status"); strings.Contains(cs, "stored") {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestStaleEntryIsRefetched(t *testing.T) {
	o := newOrigin(t)
	c := cache.NewMemCache()
	e := newEdge(t, o, Config{DisableUpdates: true, Cache: c})

	serve(e, rscRequest("/products/2"))
	entries, _ := c.All("")
	for _, ce := range entries {
		ce.Expires = time.Now().Add(-time.Second)
		c.PutCE(ce)
	}
	rr := serve(e, rscRequest("/products/2"))

	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
	if cs := rr.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=stale") {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestUnsafeRequestInvalidates(t *testing.T) {
	o := newOrigin(t)
	o.location = "/products/3"
	e := newEdge(t, o, Config{DisableUpdates: true})

	serve(e, rscRequest("/cart?_rsc=a"))
	serve(e, rscRequest("/products/3"))
	post := serve(e, httptest.NewRequest("POST", "/cart?_rsc=b", nil))
	if cs := post.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=method") {
		t.Fatalf("Cache-Status is %s", cs)
	}
	serve(e, rscRequest("/cart?_rsc=c"))
	serve(e, rscRequest("/products/3"))

	// 2 initial, 1 post, 2 after invalidation
	if n := o.count.Load(); n != 5 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestCacheUpdateRefreshes(t *testing.T) {
	o := newOrigin(t)
	o.update = "/products/3?_rsc=zz"
	c := cache.NewMemCache()
	e := newEdge(t, o, Config{Cache: c})

	serve(e, rscRequest("/products/3?_rsc=a"))
	serve(e, httptest.NewRequest("POST", "/cart", nil))

	deadline := time.Now().Add(time.Second)
	for o.count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := o.count.Load(); n != 3 {
		t.Fatalf("Origin called %d times", n)
	}
	if uri := o.lastURI.Load(); uri != "/products/3?_rsc=1" {
		t.Fatalf("Origin saw %s", uri)
	}
	if entries, _ := c.All(""); len(entries) != 1 {
		t.Fatalf("Stored %d entries", len(entries))
	}
}

func TestCacheUpdateInvalidatesWithoutUpdates(t *testing.T) {
	o := newOrigin(t)
	o.update = "/products/3"
	c := cache.NewMemCache()
	e := newEdge(t, o, Config{Cache: c, DisableUpdates: true})

	serve(e, rscRequest("/products/3"))
	serve(e, httptest.NewRequest("POST", "/cart", nil))
	if entries, _ := c.All(""); len(entries) != 0 {
		t.Fatalf("Stored %d entries", len(entries))
	}
}

func TestNotModifiedIsNotShared(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{DisableUpdates: true})

	conditional := rscRequest("/p?_rsc=a")
	conditional.Header.Set("If-None-Match", `"v1"`)
	if rr := serve(e, conditional); rr.Code != http.StatusNotModified {
		t.Fatalf("Status is %d", rr.Code)
	}
	rr := serve(e, rscRequest("/p?_rsc=b"))

	if rr.Code != http.StatusOK || rr.Body.String() != "payload /p" {
		t.Fatalf("Got %d %q", rr.Code, rr.Body.String())
	}
	if cs := rr.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=uri-miss") {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestPartialContentIsNotShared(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{DisableUpdates: true})

	ranged := rscRequest("/p?_rsc=a")
	ranged.Header.Set("Range", "bytes=0-1")
	if rr := serve(e, ranged); rr.Code != http.StatusPartialContent {
		t.Fatalf("Status is %d", rr.Code)
	}
	rr := serve(e, rscRequest("/p?_rsc=b"))

	if rr.Code != http.StatusOK || rr.Body.String() != "payload /p" {
		t.Fatalf("Got %d %q", rr.Code, rr.Body.String())
	}
	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestLocationIsNormalizedBeforeInvalidation(t *testing.T) {
	o := newOrigin(t)
	o.location = "/products/3?_rsc=abc"
	e := newEdge(t, o, Config{DisableUpdates: true})

	serve(e, rscRequest("/products/3?_rsc=zz"))
	serve(e, httptest.NewRequest("POST", "/cart", nil))
	serve(e, rscRequest("/products/3?_rsc=yy"))

	// 1 initial, 1 post, 1 after invalidation
	if n := o.count.Load(); n != 3 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestHeadIsForwarded(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{DisableUpdates: true})

	rr := serve(e, httptest.NewRequest("HEAD", "/", nil))
	serve(e, httptest.NewRequest("GET", "/", nil))

	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
	if cs := rr.Header().Get("Cache-Status"); !strings.Contains(cs, "fwd=method") {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestSQLiteStore(t *testing.T) {
	o := newOrigin(t)
	c, err := cache.NewSQLiteCache("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	e := newEdge(t, o, Config{DisableUpdates: true, Cache: c})

	serve(e, rscRequest("/products/1?_rsc=a"))
	rr := serve(e, rscRequest("/products/1?_rsc=b"))

	if n := o.count.Load(); n != 1 {
		t.Fatalf("Origin called %d times", n)
	}
	if body := rr.Body.String(); body != "payload /products/1" {
		t.Fatalf("Body is %s", body)
	}
}

func TestOriginDown(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{DisableUpdates: true})
	o.Close()

	rr := serve(e, rscRequest("/"))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
	if entries, _ := e.Cache().All(""); len(entries) != 0 {
		t.Fatalf("Stored %d entries", len(entries))
	}
}

func TestRefreshEntry(t *testing.T) {
	o := newOrigin(t)
	c := cache.NewMemCache()
	e := newEdge(t, o, Config{Cache: c})

	serve(e, rscRequest("/products/1?_rsc=a"))
	entries, _ := c.All("")
	if len(entries) != 1 {
		t.Fatalf("Stored %d entries", len(entries))
	}
	ce := entries[0]
	ce.Expires = time.Now().Add(time.Second)
	c.PutCE(ce)

	e.refreshEntry(context.Background(), ce.Key)
	if n := o.count.Load(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
	if uri := o.lastURI.Load(); uri != "/products/1?_rsc=1" {
		t.Fatalf("Origin saw %s", uri)
	}
	entries, _ = c.All("")
	if len(entries) != 1 || time.Until(entries[0].Expires) < 30*time.Second {
		t.Fatalf("Entries after refresh: %+v", entries)
	}

	// no longer storable: purged
	o.noStore.Store(true)
	e.refreshEntry(context.Background(), ce.Key)
	if c.Has(ce.Key) {
		t.Fatal("Entry not purged")
	}

	// purged in the meantime: nothing to refresh
	e.refreshEntry(context.Background(), ce.Key)
	if n := o.count.Load(); n != 3 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	o := newOrigin(t)
	e := newEdge(t, o, Config{RefreshWindow: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunRefreshesExpiringEntries(t *testing.T) {
	o := newOrigin(t)
	c := cache.NewMemCache()
	// every stored entry (s-maxage=60) is within the window
	e := newEdge(t, o, Config{Cache: c, RefreshWindow: 2 * time.Minute, RefreshRate: 100})
	serve(e, rscRequest("/"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	if n := o.count.Load(); n < 2 {
		t.Fatalf("Origin called %d times", n)
	}
}
