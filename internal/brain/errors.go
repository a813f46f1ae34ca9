package brain

import (
	"errors"
	"fmt"

	"simbridge.ai/internal/protocol"
)

// MaxErrorBodyRunes bounds the server body echoed into E_SERVER errors.
const MaxErrorBodyRunes = 500

// Error is returned for every failed Think call. Code is one of the
// protocol.Err* codes.
type Error struct {
	Code   string
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.Code
	if e.Status != 0 {
		s += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf classifies err. Errors that did not come from a Client map to E_INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return protocol.ErrInternal
}

func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
