package captcha

import (
	"context"
	"time"
)

// Outcome is the result of the user's latest icon click.
type Outcome int

const (
	OutcomeUnset Outcome = iota
	OutcomeCorrect
	OutcomeIncorrect
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCorrect:
		return "correct"
	case OutcomeIncorrect:
		return "incorrect"
	default:
		return "unset"
	}
}

// ChallengeState is everything the engine remembers about one challenge.
// It is JSON encoded by the remote store backends.
type ChallengeState struct {
	Theme               string    `json:"theme"`
	CorrectIconID       int       `json:"correct_icon_id"`
	IncorrectIconID     int       `json:"incorrect_icon_id"`
	CorrectPosition     int       `json:"correct_position"`
	Tokens              []string  `json:"tokens"`
	Salt                string    `json:"salt"`
	CorrectToken        string    `json:"correct_token"`
	Outcome             Outcome   `json:"outcome"`
	LastClickedPosition int       `json:"last_clicked_position,omitempty"`
	FetchCount          int       `json:"fetch_count"`
	CreatedAt           time.Time `json:"created_at"`
}

// positionOf returns the 1-based display position of token, or 0.
func (s *ChallengeState) positionOf(token string) int {
	for i, t := range s.Tokens {
		if t == token {
			return i + 1
		}
	}
	return 0
}

// Store persists challenge state per browsing session. Get returns nil, nil
// when no state exists for the challenge.
type Store interface {
	Get(ctx context.Context, sessionKey, challengeID string) (*ChallengeState, error)
	Put(ctx context.Context, sessionKey, challengeID string, state *ChallengeState) error
	Delete(ctx context.Context, sessionKey, challengeID string) error
	IconPath(ctx context.Context, sessionKey string) (string, error)
	SetIconPath(ctx context.Context, sessionKey, path string) error
}

// ImageSource locates and reads icon images.
type ImageSource interface {
	ResolvePath(base, theme string, iconID int) string
	Read(path string) ([]byte, error)
	ContentType(path string) (string, error)
}

// Locker serializes engine calls for one challenge. The engine itself never
// locks; the transport layer is expected to hold the lock around each call.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func() error, err error)
}

// Attempt is one final submission outcome, reported to the AttemptLog.
type Attempt struct {
	SessionKey  string
	ChallengeID string
	Kind        ErrorKind
	Accepted    bool
	At          time.Time
}

// AttemptLog receives validation outcomes for abuse analysis.
type AttemptLog interface {
	Record(ctx context.Context, attempt Attempt) error
}

// Submission is the posted form data relevant to the captcha.
type Submission struct {
	ChallengeID string
	Token       string
}

// Icon is a resolved image ready to be written to the client.
type Icon struct {
	Data        []byte
	ContentType string
}
