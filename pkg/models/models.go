package models

import (
	"sort"
	"strings"
)

// Request is the crawl request a Worker hands to the Coordinator
// Only URL is required; Method, Body and Headers take part in the fingerprint when configured
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string][]string
}

// NewRequest builds a GET request for the given URL
func NewRequest(rawURL string) Request {
	return Request{Method: "GET", URL: rawURL}
}

// EffectiveMethod returns the upper-cased method, defaulting to GET
func (r Request) EffectiveMethod() string {
	if r.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Method)
}

// HeaderValues returns the values of a header using case-insensitive name matching
// Keys differing only in case are merged in sorted key order so the result is deterministic
func (r Request) HeaderValues(name string) []string {
	var keys []string
	for k := range r.Headers {
		if strings.EqualFold(k, name) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 1 {
		return r.Headers[keys[0]]
	}
	sort.Strings(keys)
	var values []string
	for _, k := range keys {
		values = append(values, r.Headers[k]...)
	}
	return values
}
