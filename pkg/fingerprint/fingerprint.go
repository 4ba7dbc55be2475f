// Package fingerprint maps crawl requests to fixed-size, deterministic identifiers.
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/parse"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

// domainTag prefixes every identity record
const domainTag = "crawl-coordinator/request-fingerprint/v1"

// Field tags of the identity record
const (
	tagMethod byte = 'M'
	tagURL    byte = 'U'
	tagBody   byte = 'B'
	tagHeader byte = 'H'
	tagValue  byte = 'V'
)

// Length is the length of a rendered fingerprint (hex SHA-256)
const Length = 64

// Options selects which request attributes are identity-relevant
type Options struct {
	IncludeMethod  bool     // Method takes part in identity (empty method counts as GET)
	IncludeBody    bool     // Body digest takes part in identity
	IncludeHeaders []string // Header names (case-insensitive) whose values take part in identity
	KeepFragments  bool     // URL fragments are identity-relevant
}

// DefaultOptions mirrors the usual request fingerprint: method, canonical URL and body
func DefaultOptions() Options {
	return Options{IncludeMethod: true, IncludeBody: true}
}

// Fingerprinter computes request fingerprints. It holds no mutable state and is safe for concurrent use
type Fingerprinter struct {
	opts    Options
	headers []string // lower-cased, sorted, deduplicated
}

// New creates a Fingerprinter for the given options
func New(opts Options) *Fingerprinter {
	seen := make(map[string]struct{}, len(opts.IncludeHeaders))
	headers := make([]string, 0, len(opts.IncludeHeaders))
	for _, h := range opts.IncludeHeaders {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		headers = append(headers, h)
	}
	sort.Strings(headers)
	opts.IncludeHeaders = headers
	return &Fingerprinter{opts: opts, headers: headers}
}

// Options returns the effective options
func (f *Fingerprinter) Options() Options {
	return f.opts
}

// Fingerprint returns the lowercase hex fingerprint of the request
// An empty or relative URL is a caller error
func (f *Fingerprinter) Fingerprint(req models.Request) (string, error) {
	canonicalURL, _, err := parse.ParseAndCanonicalize(req.URL, f.opts.KeepFragments)
	if err != nil {
		return "", fmt.Errorf("%w: url %q: %w", utils.ErrInvalidRequest, req.URL, err)
	}
	return utils.CalculateBytesSHA256(f.identity(req, canonicalURL)), nil
}

// MustFingerprint is Fingerprint for known-good URLs; it panics on error
func (f *Fingerprinter) MustFingerprint(req models.Request) string {
	fp, err := f.Fingerprint(req)
	if err != nil {
		panic(err)
	}
	return fp
}

// identity encodes the identity-relevant fields as tag + uvarint length + bytes
func (f *Fingerprinter) identity(req models.Request, canonicalURL string) []byte {
	buf := make([]byte, 0, len(domainTag)+len(canonicalURL)+96)
	buf = append(buf, domainTag...)
	if f.opts.IncludeMethod {
		buf = appendField(buf, tagMethod, req.EffectiveMethod())
	}
	buf = appendField(buf, tagURL, canonicalURL)
	if f.opts.IncludeBody {
		buf = appendField(buf, tagBody, utils.CalculateBytesSHA256(req.Body))
	}
	for _, name := range f.headers {
		buf = appendField(buf, tagHeader, name)
		for _, v := range req.HeaderValues(name) {
			buf = appendField(buf, tagValue, v)
		}
	}
	return buf
}

func appendField(buf []byte, tag byte, value string) []byte {
	buf = append(buf, tag)
	buf = binary.AppendUvarint(buf, uint64(len(value)))
	return append(buf, value...)
}

// IsValid reports whether s looks like a rendered fingerprint
func IsValid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
