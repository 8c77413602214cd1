package survival

import (
	"context"
	"errors"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/protocol"
	"craftpilot.ai/internal/recipes"
)

var (
	// ErrStructural marks bad data (recipe files, plan wiring). Never retried.
	ErrStructural = errors.New("structural failure")
	// ErrMissingResource marks a precondition the reachable world cannot
	// satisfy right now. Treated as retries exhausted.
	ErrMissingResource = errors.New("missing resource")
	// ErrBusy is returned when a run or action is already in flight.
	ErrBusy = errors.New("busy")
)

type FailureKind int

const (
	FailTransient FailureKind = iota
	FailMissing
	FailStructural
	FailConnection
	FailCanceled
)

func (k FailureKind) String() string {
	switch k {
	case FailTransient:
		return "transient"
	case FailMissing:
		return "missing_resource"
	case FailStructural:
		return "structural"
	case FailConnection:
		return "connection_lost"
	case FailCanceled:
		return "canceled"
	}
	return "unknown"
}

// Retryable reports whether a stage attempt failing this way may be retried.
func (k FailureKind) Retryable() bool { return k == FailTransient }

// Classify maps an actuation or planning error onto the failure taxonomy.
func Classify(err error) FailureKind {
	var rej *actuator.RejectedError
	switch {
	case err == nil:
		return FailTransient
	case errors.Is(err, actuator.ErrDisconnected):
		return FailConnection
	case errors.Is(err, context.Canceled):
		return FailCanceled
	case errors.Is(err, ErrStructural),
		errors.Is(err, recipes.ErrNotFound),
		errors.Is(err, recipes.ErrUnmappedTag):
		return FailStructural
	case errors.Is(err, ErrMissingResource),
		errors.Is(err, actuator.ErrNotFound):
		return FailMissing
	case errors.As(err, &rej) && protocol.IsMissingResource(rej.Code):
		return FailMissing
	}
	return FailTransient
}
