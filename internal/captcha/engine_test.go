package captcha

import (
	"context"
	"errors"
	"io/fs"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu        sync.Mutex
	states    map[string]ChallengeState
	iconPaths map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: map[string]ChallengeState{}, iconPaths: map[string]string{}}
}

func (m *memoryStore) Get(_ context.Context, sessionKey, challengeID string) (*ChallengeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionKey+"/"+challengeID]
	if !ok {
		return nil, nil
	}
	st.Tokens = append([]string(nil), st.Tokens...)
	return &st, nil
}

func (m *memoryStore) Put(_ context.Context, sessionKey, challengeID string, state *ChallengeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[sessionKey+"/"+challengeID] = *state
	return nil
}

func (m *memoryStore) Delete(_ context.Context, sessionKey, challengeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionKey+"/"+challengeID)
	return nil
}

func (m *memoryStore) IconPath(_ context.Context, sessionKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iconPaths[sessionKey], nil
}

func (m *memoryStore) SetIconPath(_ context.Context, sessionKey, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iconPaths[sessionKey] = path
	return nil
}

type failingStore struct {
	memoryStore
}

func (f *failingStore) Get(context.Context, string, string) (*ChallengeState, error) {
	return nil, errors.New("store down")
}

// mapSource serves "<base>/<theme>/icon-<id>.png" paths from memory.
type mapSource struct {
	files map[string][]byte
}

func (m *mapSource) ResolvePath(base, theme string, iconID int) string {
	return base + "/" + theme + "/icon-" + strconv.Itoa(iconID) + ".png"
}

func (m *mapSource) Read(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (m *mapSource) ContentType(string) (string, error) {
	return "image/png", nil
}

func iconFiles(theme string) *mapSource {
	files := map[string][]byte{}
	for id := defaultMinIconID; id <= defaultMaxIconID; id++ {
		files["icons/"+theme+"/icon-"+strconv.Itoa(id)+".png"] = []byte("png-" + strconv.Itoa(id))
	}
	return &mapSource{files: files}
}

type mockAttemptLog struct {
	mock.Mock
}

func (m *mockAttemptLog) Record(ctx context.Context, attempt Attempt) error {
	return m.Called(ctx, attempt).Error(0)
}

func newTestEngine(t *testing.T, store Store, opts Options) *Engine {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	engine, err := NewEngine(store, iconFiles("light"), nil, opts, zerolog.Nop())
	require.NoError(t, err)
	return engine
}

func TestGenerateTokensInvariants(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		tokens, err := engine.Generate(ctx, "sess", "light", "1")
		require.NoError(t, err)
		require.Len(t, tokens, defaultIconCount)

		seen := map[string]bool{}
		for _, tok := range tokens {
			assert.Len(t, tok, 2*tokenSize)
			assert.False(t, seen[tok], "tokens must be distinct")
			seen[tok] = true
		}

		state, err := store.Get(ctx, "sess", "1")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Contains(t, tokens, state.CorrectToken)
		assert.Equal(t, tokens[state.CorrectPosition-1], state.CorrectToken)
		assert.NotEqual(t, state.CorrectIconID, state.IncorrectIconID)
		assert.Equal(t, OutcomeUnset, state.Outcome)
		assert.Zero(t, state.FetchCount)
		assert.Equal(t, "light", state.Theme)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), Options{})
	ctx := context.Background()

	_, err := engine.Generate(ctx, "sess", "light", "abc")
	assert.ErrorIs(t, err, ErrInvalidChallengeID)

	_, err = engine.Generate(ctx, "sess", "light", "")
	assert.ErrorIs(t, err, ErrInvalidChallengeID)

	_, err = engine.Generate(ctx, "sess", "../etc", "1")
	assert.ErrorIs(t, err, ErrInvalidTheme)
}

func TestGenerateUsesDefaultThemeAndIconPath(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{DefaultTheme: "dark", IconPath: "assets/icons"})
	ctx := context.Background()

	_, err := engine.Generate(ctx, "sess", "", "3")
	require.NoError(t, err)

	state, _ := store.Get(ctx, "sess", "3")
	assert.Equal(t, "dark", state.Theme)
	path, _ := store.IconPath(ctx, "sess")
	assert.Equal(t, "assets/icons", path)

	// An explicit session path is kept.
	require.NoError(t, engine.SetIconPath(ctx, "other", "custom"))
	_, err = engine.Generate(ctx, "other", "", "3")
	require.NoError(t, err)
	path, _ = store.IconPath(ctx, "other")
	assert.Equal(t, "custom", path)
}

func TestGenerateAvoidsLastClickedPosition(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		tokens, err := engine.Generate(ctx, "sess", "light", "7")
		require.NoError(t, err)
		state, _ := store.Get(ctx, "sess", "7")

		decoy := (state.CorrectPosition % len(tokens)) + 1
		ok, err := engine.RecordClick(ctx, "sess", "7", tokens[decoy-1])
		require.NoError(t, err)
		require.False(t, ok)

		_, err = engine.Generate(ctx, "sess", "light", "7")
		require.NoError(t, err)
		next, _ := store.Get(ctx, "sess", "7")
		assert.NotEqual(t, decoy, next.CorrectPosition)
		assert.Zero(t, next.LastClickedPosition)
	}
}

func TestRecordClick(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	tokens, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "1")
	decoyPos := (state.CorrectPosition % len(tokens)) + 1

	ok, err := engine.RecordClick(ctx, "sess", "1", tokens[decoyPos-1])
	require.NoError(t, err)
	assert.False(t, ok)
	state, _ = store.Get(ctx, "sess", "1")
	assert.Equal(t, OutcomeIncorrect, state.Outcome)
	assert.Equal(t, decoyPos, state.LastClickedPosition)

	ok, err = engine.RecordClick(ctx, "sess", "1", state.CorrectToken)
	require.NoError(t, err)
	assert.True(t, ok)
	state, _ = store.Get(ctx, "sess", "1")
	assert.Equal(t, OutcomeCorrect, state.Outcome)

	// Unknown tokens mark the selection incorrect without moving the position.
	ok, err = engine.RecordClick(ctx, "sess", "1", "not-a-token")
	require.NoError(t, err)
	assert.False(t, ok)
	state, _ = store.Get(ctx, "sess", "1")
	assert.Equal(t, OutcomeIncorrect, state.Outcome)
	assert.Equal(t, decoyPos, state.LastClickedPosition)
}

func TestRecordClickIgnoresUnknownChallenge(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	ok, err := engine.RecordClick(ctx, "sess", "x1", "token")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = engine.RecordClick(ctx, "sess", "42", "token")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, store.states)
}

func TestValidateAcceptsCorrectSelection(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	_, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "1")

	ok, err := engine.RecordClick(ctx, "sess", "1", state.CorrectToken)
	require.NoError(t, err)
	require.True(t, ok)

	err = engine.Validate(ctx, "sess", &Submission{ChallengeID: "1", Token: state.CorrectToken})
	assert.NoError(t, err)

	// Accepted challenges are consumed.
	err = engine.Validate(ctx, "sess", &Submission{ChallengeID: "1", Token: state.CorrectToken})
	assert.Equal(t, KindInvalidChallengeID, KindOf(err))
}

func TestValidateKeepOnSuccess(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{KeepOnSuccess: true})
	ctx := context.Background()

	_, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "1")
	_, err = engine.RecordClick(ctx, "sess", "1", state.CorrectToken)
	require.NoError(t, err)

	sub := &Submission{ChallengeID: "1", Token: state.CorrectToken}
	assert.NoError(t, engine.Validate(ctx, "sess", sub))
	assert.NoError(t, engine.Validate(ctx, "sess", sub))
}

func TestValidateRequiresBothChecks(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	tokens, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "1")
	decoy := tokens[state.CorrectPosition%len(tokens)]

	// Clicked a decoy, then posted the correct token.
	_, err = engine.RecordClick(ctx, "sess", "1", decoy)
	require.NoError(t, err)
	err = engine.Validate(ctx, "sess", &Submission{ChallengeID: "1", Token: state.CorrectToken})
	assert.Equal(t, KindWrongSelection, KindOf(err))

	// Clicked the correct icon, then posted a decoy token.
	_, err = engine.RecordClick(ctx, "sess", "1", state.CorrectToken)
	require.NoError(t, err)
	err = engine.Validate(ctx, "sess", &Submission{ChallengeID: "1", Token: decoy})
	assert.Equal(t, KindWrongSelection, KindOf(err))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "You've selected the wrong image.", verr.Message)
}

func TestValidateErrorClassification(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	_, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "1")

	tests := []struct {
		name string
		sub  *Submission
		want ErrorKind
	}{
		{name: "no form", sub: nil, want: KindMissingForm},
		{name: "missing id", sub: &Submission{Token: state.CorrectToken}, want: KindInvalidChallengeID},
		{name: "non numeric id", sub: &Submission{ChallengeID: "1a", Token: state.CorrectToken}, want: KindInvalidChallengeID},
		{name: "unknown id", sub: &Submission{ChallengeID: "99", Token: state.CorrectToken}, want: KindInvalidChallengeID},
		{name: "no click yet", sub: &Submission{ChallengeID: "1", Token: state.CorrectToken}, want: KindNoSelectionMade},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate(ctx, "sess", tt.sub)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}

	_, err = engine.RecordClick(ctx, "sess", "1", state.CorrectToken)
	require.NoError(t, err)
	err = engine.Validate(ctx, "sess", &Submission{ChallengeID: "1"})
	assert.Equal(t, KindNoSelectionMade, KindOf(err))
}

func TestValidateOtherSessionCannotSeeChallenge(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	_, err := engine.Generate(ctx, "alice", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "alice", "1")
	_, err = engine.RecordClick(ctx, "alice", "1", state.CorrectToken)
	require.NoError(t, err)

	err = engine.Validate(ctx, "mallory", &Submission{ChallengeID: "1", Token: state.CorrectToken})
	assert.Equal(t, KindInvalidChallengeID, KindOf(err))
}

func TestValidateCustomMessages(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), Options{
		Messages: Messages{KindMissingForm: "Bitte Formular senden."},
	})

	err := engine.Validate(context.Background(), "sess", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindMissingForm, verr.Kind)
	assert.Equal(t, "Bitte Formular senden.", verr.Message)

	err = engine.Validate(context.Background(), "sess", &Submission{ChallengeID: "5"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "The captcha ID was invalid.", verr.Message)
}

func TestValidateStoreFailure(t *testing.T) {
	engine := newTestEngine(t, &failingStore{}, Options{})
	err := engine.Validate(context.Background(), "sess", &Submission{ChallengeID: "1", Token: "t"})
	require.Error(t, err)
	assert.Equal(t, KindNone, KindOf(err))
}

func TestRegenerateDiscardsPriorChallenge(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	first, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "1")
	oldCorrect := state.CorrectToken

	second, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	for _, tok := range first {
		assert.NotContains(t, second, tok)
	}

	ok, err := engine.RecordClick(ctx, "sess", "1", oldCorrect)
	require.NoError(t, err)
	assert.False(t, ok)
	err = engine.Validate(ctx, "sess", &Submission{ChallengeID: "1", Token: oldCorrect})
	assert.Equal(t, KindWrongSelection, KindOf(err))
}

func TestFetchIconQuota(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	tokens, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "1")

	for i, tok := range tokens {
		icon, err := engine.FetchIcon(ctx, "sess", "1", tok)
		require.NoError(t, err)
		want := state.IncorrectIconID
		if i+1 == state.CorrectPosition {
			want = state.CorrectIconID
		}
		assert.Equal(t, []byte("png-"+strconv.Itoa(want)), icon.Data)
		assert.Equal(t, "image/png", icon.ContentType)
	}

	icon, err := engine.FetchIcon(ctx, "sess", "1", tokens[0])
	assert.Nil(t, icon)
	assert.Equal(t, KindFetchQuotaExceeded, KindOf(err))

	state, _ = store.Get(ctx, "sess", "1")
	assert.Equal(t, defaultFetchQuota, state.FetchCount)
}

func TestFetchIconUnknownTokenCountsAgainstQuota(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{FetchQuota: 2})
	ctx := context.Background()

	tokens, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)

	_, err = engine.FetchIcon(ctx, "sess", "1", "bogus")
	assert.ErrorIs(t, err, ErrNoIcon)
	_, err = engine.FetchIcon(ctx, "sess", "1", tokens[0])
	assert.NoError(t, err)
	_, err = engine.FetchIcon(ctx, "sess", "1", tokens[1])
	assert.Equal(t, KindFetchQuotaExceeded, KindOf(err))
}

func TestFetchIconMissingInput(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	tokens, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)

	_, err = engine.FetchIcon(ctx, "sess", "1", "")
	assert.ErrorIs(t, err, ErrNoIcon)
	_, err = engine.FetchIcon(ctx, "sess", "", tokens[0])
	assert.ErrorIs(t, err, ErrNoIcon)
	_, err = engine.FetchIcon(ctx, "sess", "2", tokens[0])
	assert.ErrorIs(t, err, ErrNoIcon)

	state, _ := store.Get(ctx, "sess", "1")
	assert.Zero(t, state.FetchCount)
}

func TestFetchIconMissingFile(t *testing.T) {
	store := newMemoryStore()
	engine, err := NewEngine(store, &mapSource{files: map[string][]byte{}}, nil, Options{}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	tokens, err := engine.Generate(ctx, "sess", "light", "1")
	require.NoError(t, err)
	_, err = engine.FetchIcon(ctx, "sess", "1", tokens[0])
	assert.ErrorIs(t, err, ErrNoIcon)
}

func TestValidateReportsAttempts(t *testing.T) {
	store := newMemoryStore()
	attempts := new(mockAttemptLog)
	engine, err := NewEngine(store, iconFiles("light"), attempts, Options{}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	attempts.On("Record", mock.Anything, mock.MatchedBy(func(a Attempt) bool {
		return a.Kind == KindMissingForm && !a.Accepted && a.SessionKey == "sess"
	})).Return(nil).Once()
	attempts.On("Record", mock.Anything, mock.MatchedBy(func(a Attempt) bool {
		return a.Kind == KindNone && a.Accepted && a.ChallengeID == "4"
	})).Return(errors.New("db down")).Once()

	assert.Equal(t, KindMissingForm, KindOf(engine.Validate(ctx, "sess", nil)))

	_, err = engine.Generate(ctx, "sess", "light", "4")
	require.NoError(t, err)
	state, _ := store.Get(ctx, "sess", "4")
	_, err = engine.RecordClick(ctx, "sess", "4", state.CorrectToken)
	require.NoError(t, err)

	// A failing attempt log never changes the outcome.
	assert.NoError(t, engine.Validate(ctx, "sess", &Submission{ChallengeID: "4", Token: state.CorrectToken}))
	attempts.AssertExpectations(t)
}

func TestValidateBoundsRecordedChallengeID(t *testing.T) {
	attempts := new(mockAttemptLog)
	engine, err := NewEngine(newMemoryStore(), iconFiles("light"), attempts, Options{}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	attempts.On("Record", mock.Anything, mock.MatchedBy(func(a Attempt) bool {
		return a.Kind == KindInvalidChallengeID &&
			utf8.ValidString(a.ChallengeID) &&
			utf8.RuneCountInString(a.ChallengeID) <= 18
	})).Return(nil).Twice()

	long := strings.Repeat("9", 40)
	assert.Equal(t, KindInvalidChallengeID, KindOf(engine.Validate(ctx, "sess", &Submission{ChallengeID: long, Token: "t"})))
	assert.Equal(t, KindInvalidChallengeID, KindOf(engine.Validate(ctx, "sess", &Submission{ChallengeID: "\xff\xfe", Token: "t"})))
	attempts.AssertExpectations(t)

	assert.Equal(t, strings.Repeat("9", 18), attemptChallengeID(long))
	assert.Equal(t, "", attemptChallengeID("\xff\xfe"))
	assert.Equal(t, "42", attemptChallengeID("42"))
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil, iconFiles("light"), nil, Options{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewEngine(newMemoryStore(), nil, nil, Options{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewEngine(newMemoryStore(), iconFiles("light"), nil, Options{DefaultTheme: "Bad Theme"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidTheme)

	_, err = NewEngine(newMemoryStore(), iconFiles("light"), nil, Options{MinIconID: 5, MaxIconID: 5}, zerolog.Nop())
	assert.Error(t, err)
}
