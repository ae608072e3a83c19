package tee

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResponseSaverTees(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)
	rs.Header().Set("Content-Type", "text/x-component")
	rs.Write([]byte("0:[\"$\"]"))

	if rr.Code != http.StatusOK || rr.Body.String() != "0:[\"$\"]" {
		t.Fatalf("Client got %d %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/x-component" {
		t.Fatalf("Client Content-Type is %s", ct)
	}

	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "0:[\"$\"]" || res.Header.Get("Content-Type") != "text/x-component" {
		t.Fatalf("Saved response is %d %v %q", res.StatusCode, res.Header, body)
	}
	if rs.BodySize() != len(body) {
		t.Fatalf("Body size is %d", rs.BodySize())
	}
}

func TestResponseSaverWithoutWriter(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.WriteHeader(http.StatusNotFound)
	rs.WriteHeader(http.StatusOK)
	rs.Write([]byte("missing"))
	rs.Flush()
	if rs.StatusCode() != http.StatusNotFound {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
}
