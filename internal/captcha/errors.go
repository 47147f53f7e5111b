package captcha

import (
	"errors"
	"fmt"
)

// ErrorKind classifies rejected captcha interactions. The numeric values are
// part of the client contract.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindWrongSelection
	KindNoSelectionMade
	KindMissingForm
	KindInvalidChallengeID
	KindFetchQuotaExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindWrongSelection:
		return "wrong_selection"
	case KindNoSelectionMade:
		return "no_selection_made"
	case KindMissingForm:
		return "missing_form"
	case KindInvalidChallengeID:
		return "invalid_challenge_id"
	case KindFetchQuotaExceeded:
		return "fetch_quota_exceeded"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

var defaultMessages = map[ErrorKind]string{
	KindWrongSelection:     "You've selected the wrong image.",
	KindNoSelectionMade:    "No image has been selected.",
	KindMissingForm:        "You've not submitted any form.",
	KindInvalidChallengeID: "The captcha ID was invalid.",
	KindFetchQuotaExceeded: "Too many image requests for this captcha.",
}

// Messages overrides the display text per error kind. Kinds without an
// override fall back to the built-in English text.
type Messages map[ErrorKind]string

func (m Messages) text(kind ErrorKind) string {
	if msg, ok := m[kind]; ok && msg != "" {
		return msg
	}
	return defaultMessages[kind]
}

// ValidationError is a classified, user-facing rejection.
type ValidationError struct {
	Kind    ErrorKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("captcha rejected (%s): %s", e.Kind, e.Message)
}

// KindOf returns the ErrorKind carried by err, or KindNone.
func KindOf(err error) ErrorKind {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindNone
}

var (
	ErrInvalidChallengeID = errors.New("invalid challenge id")
	ErrInvalidTheme       = errors.New("invalid theme")
	// ErrNoIcon means the request resolves to no image; nothing is served.
	ErrNoIcon = errors.New("no icon for token")
)
