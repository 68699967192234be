package polls

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindExpired
	KindDuplicateVote
	KindRateLimited
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindDuplicateVote:
		return "duplicate_vote"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	}
	return "internal"
}

// Status is the HTTP status code a kind is reported with.
func (k Kind) Status() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	case KindDuplicateVote:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrPollNotFound   = &Error{Kind: KindNotFound, Message: "Poll not found"}
	ErrOptionNotFound = &Error{Kind: KindNotFound, Message: "Option not found"}
	ErrExpired        = &Error{Kind: KindExpired, Message: "This poll has expired"}
	ErrDuplicateVote  = &Error{Kind: KindDuplicateVote, Message: "You have already voted on this poll"}
	ErrRateLimited    = &Error{Kind: KindRateLimited, Message: "Too many requests"}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized, Message: "Unauthorized"}
)

func InvalidInput(msg string) error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

// Internal wraps a store or runtime failure. The message is what callers see,
// the cause is only logged.
func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf classifies err. Anything that is not a *Error is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-facing text for err, hiding internal causes.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal server error"
}
