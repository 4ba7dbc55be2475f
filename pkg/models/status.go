package models

import (
	"fmt"
	"strings"
)

// BackendKind selects the persistence strategy behind a Coordinator
type BackendKind string

const (
	BackendUnset                 BackendKind = ""                       // Zero value = not configured
	BackendDurableKV             BackendKind = "durable-kv"             // Shared Redis-compatible key-value service
	BackendEmbeddedTransactional BackendKind = "embedded-transactional" // Local SQLite file, multi-process on one host
	BackendFlatFile              BackendKind = "flat-file"              // Append-only text file, single process only
	BackendEmbeddedKV            BackendKind = "embedded-kv"            // Local Badger directory, single process only
)

var backendAliases = map[string]BackendKind{
	"redis":  BackendDurableKV,
	"sqlite": BackendEmbeddedTransactional,
	"file":   BackendFlatFile,
	"badger": BackendEmbeddedKV,
}

// String implements fmt.Stringer for logging
func (k BackendKind) String() string {
	if k == "" {
		return "unset"
	}
	return string(k)
}

// IsValid returns true if the kind is a known backend
func (k BackendKind) IsValid() bool {
	switch k {
	case BackendDurableKV, BackendEmbeddedTransactional, BackendFlatFile, BackendEmbeddedKV:
		return true
	}
	return false
}

// ParseBackendKind accepts canonical names and the short aliases (redis, sqlite, file, badger)
func ParseBackendKind(s string) (BackendKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := backendAliases[s]; ok {
		return alias, nil
	}
	kind := BackendKind(s)
	if !kind.IsValid() {
		return BackendUnset, fmt.Errorf("unknown backend kind %q", s)
	}
	return kind, nil
}

// ClaimOutcome is the result class of one ClaimOrSeen call, used for logs and metric labels
type ClaimOutcome string

const (
	OutcomeClaimed ClaimOutcome = "claimed" // First claim, caller should fetch
	OutcomeSeen    ClaimOutcome = "seen"    // Already claimed by some session
	OutcomeError   ClaimOutcome = "error"   // Infrastructure failure, neither seen nor claimed
)

// OutcomeOf maps a ClaimOrSeen result to its outcome class
func OutcomeOf(alreadySeen bool, err error) ClaimOutcome {
	switch {
	case err != nil:
		return OutcomeError
	case alreadySeen:
		return OutcomeSeen
	default:
		return OutcomeClaimed
	}
}

// String implements fmt.Stringer for logging
func (o ClaimOutcome) String() string {
	return string(o)
}
