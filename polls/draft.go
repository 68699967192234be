package polls

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinOptions    = 2
	MaxOptions    = 15
	MaxTextLength = 200
)

var (
	ErrQuestionRequired = &Error{Kind: KindInvalidInput, Message: "Question is required"}
	ErrQuestionTooLong  = &Error{Kind: KindInvalidInput, Message: "Question is too long"}
	ErrTooFewOptions    = &Error{Kind: KindInvalidInput, Message: "At least 2 options are required"}
	ErrTooManyOptions   = &Error{Kind: KindInvalidInput, Message: "At most 15 options are allowed"}
	ErrOptionTooLong    = &Error{Kind: KindInvalidInput, Message: "Option text is too long"}
	ErrBadExpiry        = &Error{Kind: KindInvalidInput, Message: "expiresAt must be an RFC 3339 timestamp"}
	ErrPastExpiry       = &Error{Kind: KindInvalidInput, Message: "expiresAt must be in the future"}
)

// Draft is a poll as a client submits it, before validation.
type Draft struct {
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	ExpiresAt string   `json:"expiresAt"`
}

// Build trims the draft, drops blank options and turns it into a Poll with
// no ids. An expiry must be an RFC 3339 timestamp after now.
func (d Draft) Build(now time.Time) (*Poll, error) {
	question := strings.TrimSpace(d.Question)
	if question == "" {
		return nil, ErrQuestionRequired
	}
	if utf8.RuneCountInString(question) > MaxTextLength {
		return nil, ErrQuestionTooLong
	}

	options := make([]Option, 0, len(d.Options))
	for _, o := range d.Options {
		text := strings.TrimSpace(o)
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) > MaxTextLength {
			return nil, ErrOptionTooLong
		}
		options = append(options, Option{Text: text})
	}
	if len(options) < MinOptions {
		return nil, ErrTooFewOptions
	}
	if len(options) > MaxOptions {
		return nil, ErrTooManyOptions
	}

	poll := &Poll{
		Question:  question,
		Options:   options,
		CreatedAt: now,
	}

	if exp := strings.TrimSpace(d.ExpiresAt); exp != "" {
		t, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			return nil, ErrBadExpiry
		}
		if !t.After(now) {
			return nil, ErrPastExpiry
		}
		poll.ExpiresAt = &t
	}

	return poll, nil
}
