package reconcile

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnavailable marks a transient fault reaching the mutation target.
	ErrUnavailable = errors.New("mutation target unavailable")
	// ErrRejected marks an operation the mutation target declined.
	ErrRejected = errors.New("mutation rejected by target")
)

// FetchKind classifies a failed desired-state fetch.
type FetchKind string

const (
	FetchTransport FetchKind = "transport"
	FetchAuth      FetchKind = "auth"
	FetchStatus    FetchKind = "status"
	FetchDecode    FetchKind = "decode"
)

// FetchError reports a failed desired-state read. A cycle that sees one is a
// no-op.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetch desired state (" + string(e.Kind)
	if e.StatusCode != 0 {
		msg += " " + strconv.Itoa(e.StatusCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// AsFetchError returns err as a *FetchError, wrapping it as a transport
// failure when it is not one already.
func AsFetchError(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: FetchTransport, Err: err}
}

// Op names a mutation applied to one member.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpUpdate Op = "update"
)

// Outcome classifies the result of one mutation.
type Outcome uint8

const (
	OutcomeOK Outcome = iota + 1
	OutcomeUnavailable
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Classify maps a mutation error to an outcome. Anything the target did not
// explicitly reject, timeouts included, is treated as transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrRejected):
		return OutcomeRejected
	default:
		return OutcomeUnavailable
	}
}

// OperationError is a failed mutation for a single identity.
type OperationError struct {
	Op       Op
	Identity string
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s member %s: %v", e.Op, e.Identity, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Outcome classifies the wrapped error.
func (e *OperationError) Outcome() Outcome { return Classify(e.Err) }
