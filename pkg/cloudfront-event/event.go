// Package cfevent adapts CloudFront Functions viewer-request events to the normalizer.
//
// Only the query string is decoded into Go types. Headers, cookies and the event
// context are carried as raw JSON so that they are returned exactly as received.
package cfevent

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/always-cache/rsc-edge/normalize"
)

type Event struct {
	Version string          `json:"version,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Viewer  json.RawMessage `json:"viewer,omitempty"`
	Request *Request        `json:"request"`
}

type Request struct {
	Method      string          `json:"method,omitempty"`
	URI         string          `json:"uri,omitempty"`
	Querystring Querystring     `json:"querystring,omitzero"`
	Headers     json.RawMessage `json:"headers,omitempty"`
	Cookies     json.RawMessage `json:"cookies,omitempty"`
}

// Value is a query string entry. When a parameter is repeated,
// CloudFront puts the first value in Value and all values in MultiValue.
type Value struct {
	Value      string  `json:"value"`
	MultiValue []Value `json:"multiValue,omitempty"`
}

// Querystring implements normalize.Query over the CloudFront representation.
type Querystring map[string]*Value

func (q Querystring) Lookup(name string) (string, bool) {
	v, ok := q[name]
	if !ok || v == nil {
		return "", false
	}
	return v.Value, true
}

// Set rewrites the single-value slot, mirrored in the first multiValue entry.
// Other repeated values are left alone.
func (q Querystring) Set(name, value string) {
	v := q[name]
	if v == nil {
		q[name] = &Value{Value: value}
		return
	}
	v.Value = value
	if len(v.MultiValue) > 0 {
		v.MultiValue[0].Value = value
	}
}

// Handler returns the viewer-request function: it normalizes the request of an
// event and returns it to continue the pipeline.
// A nil event yields nil and a request without a query string is returned as is.
func Handler(n *normalize.Normalizer) func(*Event) *Request {
	return func(event *Event) *Request {
		if event == nil || event.Request == nil {
			return nil
		}
		if event.Request.Querystring != nil {
			n.Normalize(event.Request.Querystring)
		}
		return event.Request
	}
}

// HandleJSON decodes an event from r, runs the handler and encodes the
// resulting request to w.
func HandleJSON(n *normalize.Normalizer, r io.Reader, w io.Writer) error {
	var event Event
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	req := Handler(n)(&event)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return nil
}
