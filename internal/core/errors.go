package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrNoSession     = errors.New("no active session")
	ErrEvaluatorOnly = errors.New("operation requires the evaluator role")
)

// ConnectError is the one transport failure surfaced to callers.
// Everything past Connect is best effort and lands in metrics only.
type ConnectError struct {
	Transport string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect: %v", e.Transport, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
