package parse

import (
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"
)

var (
	errEmptyURL    = errors.New("empty URL")
	errRelativeURL = errors.New("URL must be absolute (scheme and host required)")
)

// CanonicalizeURL renders a URL in the canonical form used as request identity
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), ensures empty path becomes "/", sorts query parameters by key then value and drops the fragment unless keepFragment is set
// Trailing slashes and query strings are identity-relevant and kept
// Does not modify the input *url.URL
func CanonicalizeURL(u *url.URL, keepFragment bool) string {
	if u == nil {
		return ""
	}
	// Work on a copy
	canonical := *u

	canonical.Scheme = strings.ToLower(canonical.Scheme)
	canonical.Host = strings.ToLower(canonical.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(canonical.Host)
	if err == nil { // Host included a port
		if (canonical.Scheme == "http" && port == "80") ||
			(canonical.Scheme == "https" && port == "443") {
			canonical.Host = host
		}
	}

	if canonical.Path == "" && canonical.Opaque == "" {
		canonical.Path = "/"
		canonical.RawPath = ""
	}

	canonical.RawQuery = sortQuery(canonical.RawQuery)
	canonical.ForceQuery = false

	if !keepFragment {
		canonical.Fragment = ""
		canonical.RawFragment = ""
	}

	return canonical.String()
}

// sortQuery orders query pairs by key then value, keeping blank values ("k" becomes "k=")
func sortQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	type pair struct{ key, value string }
	var pairs []pair
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		pairs = append(pairs, pair{key: unescapeQuery(key), value: unescapeQuery(value)})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// unescapeQuery decodes a query component, falling back to the raw text when it is malformed
func unescapeQuery(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// ParseAndCanonicalize parses an absolute URL string and returns its canonical form
// Returns the canonical string, the parsed URL object, and any parse error
func ParseAndCanonicalize(urlStr string, keepFragment bool) (string, *url.URL, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", nil, errEmptyURL
	}
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, errRelativeURL
	}
	return CanonicalizeURL(parsed, keepFragment), parsed, nil
}
