// Package stream defines the unit-of-output vocabulary for a generation
// attempt and encodes units onto the wire.
//
// A generation attempt produces an ordered sequence of units: zero or more
// token units, then exactly one terminal unit (done on success, error on
// failure or cancellation). The encoder writes one wire frame per unit and
// always closes the stream with the [Sentinel] frame, whatever happened
// before it.
package stream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// FaultKind classifies what went wrong with an attempt.
type FaultKind string

const (
	FaultAuth        FaultKind = "auth"
	FaultValidation  FaultKind = "validation"
	FaultNotFound    FaultKind = "not_found"
	FaultConflict    FaultKind = "conflict"
	FaultRetrieval   FaultKind = "retrieval"
	FaultGeneration  FaultKind = "generation"
	FaultPersistence FaultKind = "persistence"
	FaultCancelled   FaultKind = "cancelled"
	FaultInternal    FaultKind = "internal"
)

// HTTPStatus maps a fault kind to the status code used when the fault
// happens before any frame has been written. Faults raised after the
// stream opened travel in-band as error units instead.
func (k FaultKind) HTTPStatus() int {
	switch k {
	case FaultAuth:
		return http.StatusUnauthorized
	case FaultValidation:
		return http.StatusBadRequest
	case FaultNotFound:
		return http.StatusNotFound
	case FaultConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (k FaultKind) userMessage() string {
	switch k {
	case FaultAuth:
		return "authentication required"
	case FaultValidation:
		return "invalid request"
	case FaultNotFound:
		return "thread not found"
	case FaultConflict:
		return "a generation is already running on this thread"
	case FaultRetrieval:
		return "context retrieval failed"
	case FaultGeneration:
		return "generation failed"
	case FaultPersistence:
		return "failed to save the response"
	case FaultCancelled:
		return "generation cancelled"
	default:
		return "internal error"
	}
}

// Fault is a failed outcome carried as a value. Message is safe to show
// to the caller; Details carries the diagnostic and stays server-side
// except on the in-band error frame.
type Fault struct {
	Kind    FaultKind
	Message string
	Details string
}

// NewFault builds a fault, substituting the kind's standard message when
// message is empty.
func NewFault(kind FaultKind, message, details string) *Fault {
	if message == "" {
		message = kind.userMessage()
	}
	return &Fault{Kind: kind, Message: message, Details: details}
}

// Faultf builds a fault with the kind's standard message and formatted
// details.
func Faultf(kind FaultKind, format string, args ...any) *Fault {
	return NewFault(kind, "", fmt.Sprintf(format, args...))
}

func (f *Fault) Error() string {
	if f.Details != "" {
		return fmt.Sprintf("%s fault: %s", f.Kind, f.Details)
	}
	return fmt.Sprintf("%s fault: %s", f.Kind, f.Message)
}

// HTTPStatus forwards to the kind's mapping.
func (f *Fault) HTTPStatus() int {
	return f.Kind.HTTPStatus()
}

// AsFault extracts a Fault from err, wrapping unclassified errors as
// internal faults so every failure path has a kind.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return NewFault(FaultInternal, "", err.Error())
}

// UnitKind discriminates stream units. The values double as the wire
// frame type strings.
type UnitKind string

const (
	UnitToken UnitKind = "token"
	UnitError UnitKind = "error"
	UnitDone  UnitKind = "done"
)

// DoneInfo is the payload of a successful terminal unit.
type DoneInfo struct {
	ThreadID  uuid.UUID
	RequestID string
	Status    string
	Replayed  bool
}

// Unit is one element of an attempt's output sequence. Exactly one of
// Token, Fault or Done is meaningful, selected by Kind.
type Unit struct {
	Kind  UnitKind
	Token string
	Fault *Fault
	Done  *DoneInfo
}

// Token wraps one chunk of generated text.
func Token(content string) Unit {
	return Unit{Kind: UnitToken, Token: content}
}

// ErrorUnit wraps a fault as a terminal unit.
func ErrorUnit(f *Fault) Unit {
	return Unit{Kind: UnitError, Fault: f}
}

// Done builds the terminal unit of a successful attempt.
func Done(info DoneInfo) Unit {
	return Unit{Kind: UnitDone, Done: &info}
}
