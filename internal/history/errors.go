package history

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies history load failures.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindNotFound Kind = "not_found"
	KindServer   Kind = "server_error"
	KindOther    Kind = "other"
)

// Error is a classified history load failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("history: %s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Classify maps any error returned while loading history to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var histErr *Error
	if errors.As(err, &histErr) && histErr.Kind != "" {
		return histErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindOther
}

// UserMessage returns the inline, non-blocking text shown for a failure.
func UserMessage(err error) string {
	switch Classify(err) {
	case "":
		return ""
	case KindTimeout:
		return "Loading chat history timed out. Please check your connection."
	case KindNotFound:
		return "No chat history found."
	case KindServer:
		return "Server error while loading chat history. Please try again later."
	default:
		return "Failed to load chat history."
	}
}

func statusKind(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code >= http.StatusInternalServerError:
		return KindServer
	default:
		return KindOther
	}
}
