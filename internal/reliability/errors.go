package reliability

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures of a voice session.
type Kind string

const (
	// KindConfiguration covers a missing/invalid credential or persona.
	// Raised before any resource is acquired and never retried.
	KindConfiguration Kind = "configuration"
	// KindPermission covers microphone access being denied or revoked.
	KindPermission Kind = "permission"
	// KindTransport covers channel open failures and unexpected closes.
	KindTransport Kind = "transport"
	// KindDecode covers malformed inbound audio fragments.
	KindDecode Kind = "decode"
)

// Error is a classified session error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransport) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrPermission    = &Error{Kind: KindPermission}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrDecode        = &Error{Kind: KindDecode}
)

func Configuration(op string, err error) error { return &Error{Kind: KindConfiguration, Op: op, Err: err} }
func Permission(op string, err error) error    { return &Error{Kind: KindPermission, Op: op, Err: err} }
func Transport(op string, err error) error     { return &Error{Kind: KindTransport, Op: op, Err: err} }
func Decode(op string, err error) error        { return &Error{Kind: KindDecode, Op: op, Err: err} }

// Classify returns err unchanged when it already carries a kind and
// wraps it as kind otherwise.
func Classify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the classification of err. Unclassified errors count as
// transport failures, except context cancellation which reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ""
	}
	return KindTransport
}

// UserMessage renders err as a sentence suitable for the UI error surface.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindConfiguration:
		return "The voice agent is not configured: check that an API key is available."
	case KindPermission:
		return "Microphone access was denied. Allow microphone access and start the call again."
	case KindDecode:
		return "A piece of the agent's audio could not be played."
	case KindTransport:
		if errors.Is(err, context.DeadlineExceeded) {
			return "The voice agent did not answer in time. Try starting the call again."
		}
		return "Unable to reach the voice agent. Check your connection and start the call again."
	default:
		return "The call was cancelled."
	}
}
