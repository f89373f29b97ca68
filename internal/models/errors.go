package models

import "errors"

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. Both the store and output packages use this
// interface to avoid an import cycle.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// Sentinel errors shared across the core. Bus and handler boundaries
// convert these into typed results; they never escape a processing round.
var (
	// ErrNoProvider is returned when the registry has no healthy provider
	// for a requested service type and capability set.
	ErrNoProvider = errors.New("no service provider available")

	// ErrNotFound is returned for missing tasks, thoughts or graph nodes.
	ErrNotFound = errors.New("not found")

	// ErrEmergencyStop is returned once the adaptation emergency stop has
	// flipped; all further adaptation is rejected.
	ErrEmergencyStop = errors.New("adaptation emergency stop engaged")

	// ErrReviewPending is returned while identity variance review is
	// awaiting a wise-authority decision.
	ErrReviewPending = errors.New("identity variance review pending")
)

// NoProviderError carries the service type and capabilities that failed to
// resolve.
type NoProviderError struct {
	Service      string
	Capabilities []string
}

func (e *NoProviderError) Error() string { return "no service provider available" }

// ErrorCode implements RecoverableError.
func (e *NoProviderError) ErrorCode() string { return "NO_PROVIDER" }

// Context implements RecoverableError.
func (e *NoProviderError) Context() map[string]string {
	caps := ""
	for i, c := range e.Capabilities {
		if i > 0 {
			caps += ","
		}
		caps += c
	}
	return map[string]string{"service": e.Service, "capabilities": caps}
}

// SuggestedAction implements RecoverableError.
func (e *NoProviderError) SuggestedAction() string {
	return "register a provider for service type " + e.Service
}

// Is allows errors.Is(err, ErrNoProvider) on the structured form.
func (e *NoProviderError) Is(target error) bool { return target == ErrNoProvider }
