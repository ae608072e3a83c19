package queryrewriter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/always-cache/rsc-edge/normalize"
)

func TestRewrite(t *testing.T) {
	n := normalize.Default()
	tests := []struct {
		in, out string
	}{
		{"_rsc=a1b2c3", "_rsc=1"},
		{"_rsc=1", "_rsc=1"},
		{"page=2", "page=2"},
		{"_rsc=&page=2", "_rsc=1&page=2"},
		{"", ""},
		// other parameters keep their order and escaping
		{"z=%7E&_rsc=xyz&a=b+c", "z=%7E&_rsc=1&a=b+c"},
		// present without "="
		{"_rsc&page=2", "_rsc=1&page=2"},
		// only the first occurrence is the canonical slot
		{"_rsc=a&_rsc=b", "_rsc=1&_rsc=b"},
		// escaped key
		{"%5Frsc=abc", "%5Frsc=1"},
	}
	for _, tt := range tests {
		if got, _ := Rewrite(tt.in, n); got != tt.out {
			t.Errorf("Rewrite(%q) = %q, want %q", tt.in, got, tt.out)
		}
	}
}

func TestRewriteIdempotent(t *testing.T) {
	n := normalize.Default()
	once, _ := Rewrite("a=1&_rsc=zz&b=2", n)
	twice, changed := Rewrite(once, n)
	if once != twice || changed != nil {
		t.Fatalf("Second rewrite changed %q to %q (%v)", once, twice, changed)
	}
}

func TestRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/products/1?_rsc=9x8y&ref=home", nil)
	changed := Request(r, normalize.Default())
	if len(changed) != 1 || changed[0] != "_rsc" {
		t.Fatalf("Changed is %v", changed)
	}
	if r.URL.RawQuery != "_rsc=1&ref=home" {
		t.Fatalf("Query is %s", r.URL.RawQuery)
	}
	if r.RequestURI != "/products/1?_rsc=1&ref=home" {
		t.Fatalf("RequestURI is %s", r.RequestURI)
	}
	if r.URL.Path != "/products/1" {
		t.Fatalf("Path changed to %s", r.URL.Path)
	}
}

func TestRequestNil(t *testing.T) {
	n := normalize.Default()
	if changed := Request(nil, n); changed != nil {
		t.Fatal("nil request reported changes")
	}
	if changed := Request(&http.Request{}, n); changed != nil {
		t.Fatal("request without URL reported changes")
	}
}

func TestMiddleware(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query().Get("_rsc")
	})
	Middleware(normalize.Default())(handler).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/?_rsc=abc", nil))
	if seen != "1" {
		t.Fatalf("Handler saw _rsc=%s", seen)
	}
}
