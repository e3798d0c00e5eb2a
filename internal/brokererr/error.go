package brokererr

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the broker core can surface.
type Kind string

const (
	Unknown    Kind = "Unknown"
	Init       Kind = "Init"
	NoCapacity Kind = "NoCapacity"
	Fetch      Kind = "Fetch"
	Channel    Kind = "Channel"
)

// Error is the error type returned by agents and routers.
type Error struct {
	Kind        Kind
	ContainerID string
	Msg         string
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("browser router: %s", e.Kind)
	if e.ContainerID != "" {
		msg += fmt.Sprintf(" [container %s]", e.ContainerID)
	}
	if e.Msg != "" {
		msg += " - " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, brokererr.ErrNoCapacity) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.ContainerID == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInit       = &Error{Kind: Init}
	ErrNoCapacity = &Error{Kind: NoCapacity}
	ErrFetch      = &Error{Kind: Fetch}
	ErrChannel    = &Error{Kind: Channel}
)

func New(kind Kind, containerID, msg string, err error) *Error {
	return &Error{Kind: kind, ContainerID: containerID, Msg: msg, Err: err}
}

func Newf(kind Kind, containerID string, format string, args ...any) *Error {
	return &Error{Kind: kind, ContainerID: containerID, Msg: fmt.Sprintf(format, args...)}
}

// RequestError is what a SessionRouter hands back to its caller. It keeps the
// underlying agent failure so the kind stays recoverable.
type RequestError struct {
	Region string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("session request in region %s failed: %v", e.Region, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
