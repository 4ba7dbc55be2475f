package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrConnection       = errors.New("backend connection error")                  // Backend unreachable at Open or call time
	ErrSchema           = errors.New("backend schema error")                      // Embedded store table cannot be created/migrated
	ErrLockTimeout      = errors.New("backend lock wait timed out")               // Embedded store busy beyond the configured wait
	ErrTimeout          = errors.New("backend operation timed out")               // Network round trip exceeded its deadline
	ErrIO               = errors.New("backend I/O error")                         // File or local database read/write failure
	ErrNotOpen          = errors.New("backend not open")                          // Claim attempted outside an open session
	ErrInvalidRequest   = errors.New("invalid request")                           // Empty or unparseable identity component
	ErrUnknownBackend   = errors.New("unknown backend kind")                      // Configuration names no registered backend
	ErrConfigValidation = errors.New("configuration validation error")            // Fatal config problem
	ErrClaimMismatch    = errors.New("claim count does not match distinct URLs") // Fleet verification failed
)

// WrapErrorf annotates err with a formatted message, returning nil for a nil err
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsRetryable reports whether a failed claim may succeed if the Worker tries again
// Seen/not-seen is never inferred from a retryable error
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnection)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first; timeouts before connection since they wrap both
	switch {
	case errors.Is(err, ErrLockTimeout):
		return "Backend_LockTimeout"
	case errors.Is(err, ErrTimeout):
		return "Backend_Timeout"
	case errors.Is(err, ErrConnection):
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return "Backend_DNSLookup"
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return "Backend_ConnectionRefused"
		}
		return "Backend_Connection"
	case errors.Is(err, ErrSchema):
		return "Backend_Schema"
	case errors.Is(err, ErrIO):
		if errors.Is(err, os.ErrPermission) {
			return "IO_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "IO_NotExist"
		}
		return "IO_Other"
	case errors.Is(err, ErrNotOpen):
		return "Lifecycle_NotOpen"
	case errors.Is(err, ErrInvalidRequest):
		return "Request_Invalid"
	case errors.Is(err, ErrUnknownBackend):
		return "Config_UnknownBackend"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrClaimMismatch):
		return "Fleet_ClaimMismatch"
	}

	// --- Fallback checks for common underlying error types ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "Network_ConnectionReset"
	}

	return "Unknown"
}
