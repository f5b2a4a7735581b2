package event

import "fmt"

// Kind classifies a kernel error for reporting on service/status payloads.
// Kinds are stable strings, not Go types: services react to the string in the
// event payload, never to a concrete error type from another package.
type Kind string

const (
	// KindHandlerInvalid — bus registration rejected; fatal to the caller.
	KindHandlerInvalid Kind = "HandlerInvalid"

	// KindHandlerError — a handler returned an error or panicked during emit;
	// logged and reported, never propagated to sibling handlers.
	KindHandlerError Kind = "HandlerError"

	// KindHandlerTimeout — the per-emit deadline expired with handlers still
	// outstanding.
	KindHandlerTimeout Kind = "HandlerTimeout"

	// KindServiceStartFailure — a service Start hook failed.
	KindServiceStartFailure Kind = "ServiceStartFailure"

	// KindServiceStopTimeout — owned tasks did not exit within the stop grace
	// period.
	KindServiceStopTimeout Kind = "ServiceStopTimeout"

	// KindTransitionFailed — a mode transaction rolled back.
	KindTransitionFailed Kind = "TransitionFailed"

	// KindPlanStepFailure — a timeline step failed; the plan terminates.
	KindPlanStepFailure Kind = "PlanStepFailure"

	// KindPlanStepTimeout — a step's completion barrier timed out.
	KindPlanStepTimeout Kind = "PlanStepTimeout"

	// KindCacheMiss — a playback request named an absent cache key.
	KindCacheMiss Kind = "CacheMiss"

	// KindCacheError — cache generation or playback failed.
	KindCacheError Kind = "CacheError"

	// KindDispatchUnknownCommand — no registered pattern matched the input.
	KindDispatchUnknownCommand Kind = "DispatchUnknownCommand"

	// KindDispatchInvalidPayload — a payload failed structural validation.
	KindDispatchInvalidPayload Kind = "DispatchInvalidPayload"

	// KindExternalProviderError — a TTS/STT/LLM provider returned an error.
	KindExternalProviderError Kind = "ExternalProviderError"
)

// KernelError is an error tagged with a taxonomy [Kind] and the service it
// originated from. The Service field may be empty when the error predates
// service attribution (e.g., bus registration).
type KernelError struct {
	Kind    Kind
	Service string
	Err     error
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *KernelError) Unwrap() error { return e.Err }

// Errf builds a [KernelError] from a format string.
func Errf(kind Kind, service, format string, args ...any) *KernelError {
	return &KernelError{Kind: kind, Service: service, Err: fmt.Errorf(format, args...)}
}
