// kernelerr.go — Error taxonomy the kernel classifies every failure into (spec §7).
// Retry decisions read Kind, never the error string; the Scheduler and Self-Heal
// Registry switch on Kind exclusively so a message change never silently breaks
// a retry policy.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is the stable, user-visible failure classification.
type Kind string

const (
	// KindRouteStale: the target session/page/frame no longer exists.
	KindRouteStale Kind = "route_stale"
	// KindQuotaExceeded: per-tenant or per-tool cap hit at admission.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindPermissionDenied: broker returned Deny, or Partial and the tool requires all.
	KindPermissionDenied Kind = "permission_denied"
	// KindTimeout: deadline elapsed; may be retryable.
	KindTimeout Kind = "timeout"
	// KindCancelled: cancel token raised.
	KindCancelled Kind = "cancelled"
	// KindTransportDisconnected: retryable after TransportReset.
	KindTransportDisconnected Kind = "transport_disconnected"
	// KindRemoteError: browser rejected a command; sometimes retryable.
	KindRemoteError Kind = "remote_error"
	// KindToolFailure: tool-declared domain failure; retryability per tool.
	KindToolFailure Kind = "tool_failure"
	// KindInternal: panic, invariant violation; never retried automatically.
	KindInternal Kind = "internal"
)

// KernelError is the typed error every component returns instead of ad-hoc
// errors.New calls, so outcomes can be classified without string matching.
type KernelError struct {
	Kind    Kind
	Message string
	// Code is the verbatim remote error code, set only for KindRemoteError.
	Code int
	// Retryable overrides the Kind's default retry eligibility when a tool or
	// strategy has more specific knowledge (e.g. a relocation-safe RouteStale).
	Retryable bool
	Err       error
}

func (e *KernelError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *KernelError) Unwrap() error { return e.Err }

// New builds a KernelError of the given kind.
func New(kind Kind, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message, Retryable: defaultRetryable(kind)}
}

// Wrap builds a KernelError of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, cause error, message string) *KernelError {
	return &KernelError{Kind: kind, Message: message, Err: cause, Retryable: defaultRetryable(kind)}
}

// RemoteError builds a KindRemoteError carrying the browser's verbatim code+message.
func RemoteError(code int, message string) *KernelError {
	return &KernelError{Kind: KindRemoteError, Message: message, Code: code, Retryable: false}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindTransportDisconnected:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from any error, defaulting to KindInternal for
// untyped errors (a panic recovered without a KernelError, for instance).
func KindOf(err error) Kind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

// IsRetryable reports whether the error's kind is retryable per the policy
// captured at construction time (tools and self-heal strategies may still
// override this at the call site).
func IsRetryable(err error) bool {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}
