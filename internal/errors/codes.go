package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is one of the five hint error kinds.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAdmissionRefused is returned synchronously to the caller of
	// store_hint: policy or quota refused the hint before any I/O.
	KindAdmissionRefused
	// KindDurabilityError means the append or flush to the segment failed.
	// Counted in the shard's errors stat and treated as a drop.
	KindDurabilityError
	// KindSendTransient is a retryable failure in the sender (peer timeout,
	// unavailable). Causes the current segment pass to retry next tick.
	KindSendTransient
	// KindSendPermanentDrop means the entry is abandoned without delivery
	// (grace expired, destination decommissioned). Counted in dropped.
	KindSendPermanentDrop
	// KindTopologyRetarget is not an error from the caller's point of view;
	// it marks an internal decision to fall back to CL=ANY dispatch.
	KindTopologyRetarget
)

func (k Kind) String() string {
	switch k {
	case KindAdmissionRefused:
		return "admission-refused"
	case KindDurabilityError:
		return "durability-error"
	case KindSendTransient:
		return "send-transient"
	case KindSendPermanentDrop:
		return "send-permanent-drop"
	case KindTopologyRetarget:
		return "topology-retarget"
	default:
		return "unknown"
	}
}

// HintError is a structured error carrying one of the five kinds plus
// context, mirroring the shape of a gRPC-facing error without requiring a
// generated service definition.
type HintError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *HintError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *HintError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts a HintError to a gRPC status, for an eventual
// admin/ops surface that speaks the same collaborator interfaces over RPC.
func (e *HintError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *HintError) toGRPCCode() codes.Code {
	switch e.Kind {
	case KindAdmissionRefused:
		return codes.ResourceExhausted
	case KindDurabilityError:
		return codes.Internal
	case KindSendTransient:
		return codes.Unavailable
	case KindSendPermanentDrop:
		return codes.Aborted
	case KindTopologyRetarget:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// New creates a HintError of the given kind.
func New(kind Kind, message string, cause error) *HintError {
	return &HintError{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail attaches a detail to the error and returns it for chaining.
func (e *HintError) WithDetail(key string, value interface{}) *HintError {
	e.Details[key] = value
	return e
}

// Convenience constructors, one per error kind.

func AdmissionRefused(reason string) *HintError {
	return New(KindAdmissionRefused, fmt.Sprintf("hint admission refused: %s", reason), nil).
		WithDetail("reason", reason)
}

func DurabilityError(message string, cause error) *HintError {
	return New(KindDurabilityError, message, cause)
}

func SendTransient(message string, cause error) *HintError {
	return New(KindSendTransient, message, cause)
}

func SendPermanentDrop(reason string) *HintError {
	return New(KindSendPermanentDrop, fmt.Sprintf("hint dropped: %s", reason), nil).
		WithDetail("reason", reason)
}

func TopologyRetarget(reason string) *HintError {
	return New(KindTopologyRetarget, fmt.Sprintf("mutation retargeted: %s", reason), nil).
		WithDetail("reason", reason)
}

// IsHintError reports whether err is a *HintError.
func IsHintError(err error) bool {
	_, ok := err.(*HintError)
	return ok
}

// GetKind extracts the Kind from err, or KindUnknown if err is not a
// *HintError.
func GetKind(err error) Kind {
	if he, ok := err.(*HintError); ok {
		return he.Kind
	}
	return KindUnknown
}
