package captcha

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	defaultIconCount  = 5
	defaultMinIconID  = 1
	defaultMaxIconID  = 89
	defaultFetchQuota = 5
	defaultTheme      = "light"
	defaultIconPath   = "icons"

	maxChallengeIDLen = 18
)

var (
	themePattern       = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)
	challengeIDPattern = regexp.MustCompile(`^[0-9]{1,18}$`)
)

// Options tunes the engine. Zero values fall back to the defaults.
type Options struct {
	IconCount    int
	MinIconID    int
	MaxIconID    int
	FetchQuota   int
	DefaultTheme string
	// IconPath is the icon library base path given to sessions that have
	// none of their own.
	IconPath string
	Messages Messages
	// KeepOnSuccess leaves an accepted challenge in the store so the same
	// answer validates again. By default accepted challenges are consumed.
	KeepOnSuccess bool
	Rand          *rand.Rand
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IconCount <= 0 {
		o.IconCount = defaultIconCount
	}
	if o.MinIconID <= 0 {
		o.MinIconID = defaultMinIconID
	}
	if o.MaxIconID <= 0 {
		o.MaxIconID = defaultMaxIconID
	}
	if o.FetchQuota <= 0 {
		o.FetchQuota = defaultFetchQuota
	}
	if o.DefaultTheme == "" {
		o.DefaultTheme = defaultTheme
	}
	if o.IconPath == "" {
		o.IconPath = defaultIconPath
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine issues and verifies icon challenges. It holds no per-challenge
// state of its own; everything lives in the Store.
type Engine struct {
	store    Store
	images   ImageSource
	attempts AttemptLog
	selector *Selector
	opts     Options
	logger   zerolog.Logger
}

// NewEngine wires the engine. attempts may be nil.
func NewEngine(store Store, images ImageSource, attempts AttemptLog, opts Options, logger zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("captcha: store is required")
	}
	if images == nil {
		return nil, errors.New("captcha: image source is required")
	}
	opts = opts.withDefaults()
	if !themePattern.MatchString(opts.DefaultTheme) {
		return nil, fmt.Errorf("captcha: default theme %q: %w", opts.DefaultTheme, ErrInvalidTheme)
	}
	selector, err := NewSelector(opts.MinIconID, opts.MaxIconID, opts.IconCount, opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("captcha: %w", err)
	}
	return &Engine{
		store:    store,
		images:   images,
		attempts: attempts,
		selector: selector,
		opts:     opts,
		logger:   logger.With().Str("component", "captcha_engine").Logger(),
	}, nil
}

// SetIconPath stores the icon library base path for a session.
func (e *Engine) SetIconPath(ctx context.Context, sessionKey, path string) error {
	return e.store.SetIconPath(ctx, sessionKey, path)
}

// Generate builds a new challenge for challengeID, replacing any previous
// one, and returns its tokens in display order.
func (e *Engine) Generate(ctx context.Context, sessionKey, theme, challengeID string) ([]string, error) {
	if !validChallengeID(challengeID) {
		return nil, ErrInvalidChallengeID
	}
	if theme == "" {
		theme = e.opts.DefaultTheme
	}
	if !themePattern.MatchString(theme) {
		return nil, ErrInvalidTheme
	}

	prev, err := e.store.Get(ctx, sessionKey, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	lastClicked := 0
	if prev != nil {
		lastClicked = prev.LastClickedPosition
	}

	sel := e.selector.Pick(lastClicked)
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}

	tokens := make([]string, e.opts.IconCount)
	for pos := 1; pos <= e.opts.IconCount; pos++ {
		iconID := sel.IncorrectIconID
		if pos == sel.CorrectPosition {
			iconID = sel.CorrectIconID
		}
		tokens[pos-1] = Obfuscate(iconID, pos, salt)
	}

	state := &ChallengeState{
		Theme:           theme,
		CorrectIconID:   sel.CorrectIconID,
		IncorrectIconID: sel.IncorrectIconID,
		CorrectPosition: sel.CorrectPosition,
		Tokens:          tokens,
		Salt:            salt,
		CorrectToken:    tokens[sel.CorrectPosition-1],
		Outcome:         OutcomeUnset,
		CreatedAt:       e.opts.Now().UTC(),
	}

	if err := e.ensureIconPath(ctx, sessionKey); err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, sessionKey, challengeID, state); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	challengesIssued.Inc()
	e.logger.Debug().
		Str("challenge_id", challengeID).
		Str("theme", theme).
		Int("excluded_position", lastClicked).
		Msg("challenge generated")

	return append([]string(nil), tokens...), nil
}

// RecordClick stores the outcome of the user clicking token and reports
// whether it was the correct icon. Unknown challenges are ignored.
func (e *Engine) RecordClick(ctx context.Context, sessionKey, challengeID, token string) (bool, error) {
	if !validChallengeID(challengeID) {
		selectionsTotal.WithLabelValues("rejected").Inc()
		return false, nil
	}
	state, err := e.store.Get(ctx, sessionKey, challengeID)
	if err != nil {
		return false, fmt.Errorf("load challenge: %w", err)
	}
	if state == nil {
		selectionsTotal.WithLabelValues("rejected").Inc()
		return false, nil
	}

	correct := tokensEqual(token, state.CorrectToken)
	if correct {
		state.Outcome = OutcomeCorrect
	} else {
		state.Outcome = OutcomeIncorrect
		if pos := state.positionOf(token); pos > 0 {
			state.LastClickedPosition = pos
		}
	}

	if err := e.store.Put(ctx, sessionKey, challengeID, state); err != nil {
		return false, fmt.Errorf("store challenge: %w", err)
	}
	selectionsTotal.WithLabelValues(state.Outcome.String()).Inc()
	return correct, nil
}

// Validate is the authoritative check of a form submission. It returns nil
// when the captcha was solved, a *ValidationError when it was not, and any
// other error for store failures.
func (e *Engine) Validate(ctx context.Context, sessionKey string, sub *Submission) error {
	kind, err := e.classify(ctx, sessionKey, sub)
	if err != nil {
		return err
	}
	e.report(ctx, sessionKey, sub, kind)
	if kind == KindNone {
		return nil
	}
	return &ValidationError{Kind: kind, Message: e.opts.Messages.text(kind)}
}

func (e *Engine) classify(ctx context.Context, sessionKey string, sub *Submission) (ErrorKind, error) {
	if sub == nil {
		return KindMissingForm, nil
	}
	if !validChallengeID(sub.ChallengeID) {
		return KindInvalidChallengeID, nil
	}
	state, err := e.store.Get(ctx, sessionKey, sub.ChallengeID)
	if err != nil {
		return KindNone, fmt.Errorf("load challenge: %w", err)
	}
	if state == nil {
		return KindInvalidChallengeID, nil
	}
	if state.Outcome == OutcomeUnset || sub.Token == "" {
		return KindNoSelectionMade, nil
	}

	// Both checks always run.
	outcomeOK := state.Outcome == OutcomeCorrect
	tokenOK := tokensEqual(sub.Token, state.CorrectToken)
	if !(outcomeOK && tokenOK) {
		return KindWrongSelection, nil
	}

	if !e.opts.KeepOnSuccess {
		if err := e.store.Delete(ctx, sessionKey, sub.ChallengeID); err != nil {
			return KindNone, fmt.Errorf("consume challenge: %w", err)
		}
	}
	return KindNone, nil
}

func (e *Engine) report(ctx context.Context, sessionKey string, sub *Submission, kind ErrorKind) {
	result := "accepted"
	if kind != KindNone {
		result = kind.String()
	}
	validationsTotal.WithLabelValues(result).Inc()

	challengeID := ""
	if sub != nil {
		challengeID = attemptChallengeID(sub.ChallengeID)
	}
	e.logger.Debug().Str("challenge_id", challengeID).Str("result", result).Msg("submission validated")

	if e.attempts == nil {
		return
	}
	attempt := Attempt{
		SessionKey:  sessionKey,
		ChallengeID: challengeID,
		Kind:        kind,
		Accepted:    kind == KindNone,
		At:          e.opts.Now().UTC(),
	}
	if err := e.attempts.Record(ctx, attempt); err != nil {
		e.logger.Warn().Err(err).Str("challenge_id", challengeID).Msg("attempt log write failed")
	}
}

// FetchIcon resolves a token to its image. Every resolution attempt counts
// against the challenge's fetch quota, including ones that match nothing.
func (e *Engine) FetchIcon(ctx context.Context, sessionKey, challengeID, token string) (*Icon, error) {
	if token == "" || !validChallengeID(challengeID) {
		iconFetchesTotal.WithLabelValues("none").Inc()
		return nil, ErrNoIcon
	}
	state, err := e.store.Get(ctx, sessionKey, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if state == nil {
		iconFetchesTotal.WithLabelValues("none").Inc()
		return nil, ErrNoIcon
	}

	if state.FetchCount >= e.opts.FetchQuota {
		iconFetchesTotal.WithLabelValues("denied").Inc()
		e.logger.Info().Str("challenge_id", challengeID).Int("fetches", state.FetchCount).Msg("icon fetch quota exceeded")
		return nil, &ValidationError{
			Kind:    KindFetchQuotaExceeded,
			Message: e.opts.Messages.text(KindFetchQuotaExceeded),
		}
	}
	state.FetchCount++
	if err := e.store.Put(ctx, sessionKey, challengeID, state); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	var iconID int
	switch {
	case tokensEqual(token, state.CorrectToken):
		iconID = state.CorrectIconID
	case state.positionOf(token) > 0:
		iconID = state.IncorrectIconID
	default:
		iconFetchesTotal.WithLabelValues("none").Inc()
		return nil, ErrNoIcon
	}

	base, err := e.store.IconPath(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load icon path: %w", err)
	}
	if base == "" {
		base = e.opts.IconPath
	}
	path := e.images.ResolvePath(base, state.Theme, iconID)

	data, err := e.images.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn().Str("path", path).Msg("icon file missing")
		iconFetchesTotal.WithLabelValues("none").Inc()
		return nil, ErrNoIcon
	}
	if err != nil {
		return nil, fmt.Errorf("read icon: %w", err)
	}
	contentType, err := e.images.ContentType(path)
	if err != nil {
		return nil, fmt.Errorf("detect icon type: %w", err)
	}

	iconFetchesTotal.WithLabelValues("served").Inc()
	return &Icon{Data: data, ContentType: contentType}, nil
}

func (e *Engine) ensureIconPath(ctx context.Context, sessionKey string) error {
	path, err := e.store.IconPath(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("load icon path: %w", err)
	}
	if path != "" {
		return nil
	}
	if err := e.store.SetIconPath(ctx, sessionKey, e.opts.IconPath); err != nil {
		return fmt.Errorf("store icon path: %w", err)
	}
	return nil
}

func validChallengeID(id string) bool {
	return challengeIDPattern.MatchString(id)
}

// attemptChallengeID bounds a client supplied id for logs and the attempt
// log: valid UTF-8, at most maxChallengeIDLen runes.
func attemptChallengeID(id string) string {
	if validChallengeID(id) {
		return id
	}
	id = strings.ToValidUTF8(id, "")
	if utf8.RuneCountInString(id) <= maxChallengeIDLen {
		return id
	}
	return string([]rune(id)[:maxChallengeIDLen])
}

// tokensEqual compares in constant time for equal-length inputs.
func tokensEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
