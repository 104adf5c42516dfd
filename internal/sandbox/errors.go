package sandbox

import (
	"errors"
	"fmt"
)

// ErrUnsupportedLanguage is returned when a request names a language the
// engine does not implement.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ErrStreamRestore signals that an output capture could not be released
// cleanly. It is fatal to the worker process, not only to the request.
var ErrStreamRestore = errors.New("output capture release failed")

// CapabilityError is returned by the module broker when executed code asks
// for a module outside the capability policy.
type CapabilityError struct {
	Module string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("Module '%s' is not allowed in the safe execution environment", e.Module)
}

// IsCapabilityError reports whether err (or anything it wraps) is a
// capability rejection.
func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}

// FaultKind classifies how an execution ended.
type FaultKind string

const (
	FaultNone                FaultKind = ""
	FaultUnsupportedLanguage FaultKind = "unsupported_language"
	FaultCapabilityRejected  FaultKind = "capability_rejected"
	FaultRuntime             FaultKind = "runtime_fault"
	FaultCancelled           FaultKind = "cancelled"
	FaultInternal            FaultKind = "internal"
)

// Outcome returns the metric/log label for a result kind.
func (k FaultKind) Outcome() string {
	if k == FaultNone {
		return "completed"
	}
	return string(k)
}
