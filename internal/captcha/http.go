package captcha

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/icon-captcha/internal/identity"
	httperrors "github.com/gokatarajesh/icon-captcha/pkg/http/errors"
)

// Form field names used by the classic form-post widget.
const (
	formChallengeID    = "captcha-idhf"
	formToken          = "captcha-hf"
	formClickID        = "cID"
	formClickToken     = "pC"
	queryIconToken     = "hash"
	queryIconChallenge = "cid"
)

type generateRequest struct {
	Theme       string `json:"theme" validate:"omitempty,max=32"`
	ChallengeID string `json:"challenge_id" validate:"required,number,max=18"`
	IconPath    string `json:"icon_path" validate:"omitempty,max=128"`
}

type tokenRequest struct {
	ChallengeID string `json:"challenge_id"`
	Token       string `json:"token"`
}

// HTTPHandler exposes the engine over HTTP.
type HTTPHandler struct {
	engine   *Engine
	locker   Locker
	themes   map[string]bool
	paths    map[string]bool
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewHTTPHandler constructs captcha HTTP handlers. An empty themes list
// allows any theme the engine accepts.
func NewHTTPHandler(engine *Engine, locker Locker, themes []string, logger zerolog.Logger) *HTTPHandler {
	allowed := make(map[string]bool, len(themes))
	for _, t := range themes {
		allowed[t] = true
	}
	return &HTTPHandler{
		engine:   engine,
		locker:   locker,
		themes:   allowed,
		paths:    map[string]bool{engine.opts.IconPath: true},
		validate: validator.New(),
		logger:   logger.With().Str("component", "captcha_http").Logger(),
	}
}

// AllowIconPaths lets clients switch their session to one of paths. The
// engine's default path is always allowed.
func (h *HTTPHandler) AllowIconPaths(paths []string) *HTTPHandler {
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			h.paths[p] = true
		}
	}
	return h
}

// Routes mounts the captcha endpoints on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Post("/challenges", h.HandleGenerate)
	r.Post("/selections", h.HandleSelect)
	r.Post("/validations", h.HandleValidate)
	r.Get("/icons", h.HandleIcon)
}

// HandleGenerate handles POST /v1/captcha/challenges
func (h *HTTPHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		field := ""
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = verrs[0].Field()
		}
		httperrors.RespondValidationError(w, httperrors.ErrCodeValidationFailed, "Invalid challenge request", field)
		return
	}
	if req.Theme != "" && len(h.themes) > 0 && !h.themes[req.Theme] {
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidTheme, "Unknown theme", "theme")
		return
	}
	if req.IconPath != "" && !h.paths[req.IconPath] {
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidIconPath, "Unknown icon library", "icon_path")
		return
	}

	sessionKey := identity.SessionKeyFromContext(r.Context())
	unlock, ok := h.lock(w, r, sessionKey, req.ChallengeID)
	if !ok {
		return
	}
	defer unlock()

	if req.IconPath != "" {
		if err := h.engine.SetIconPath(r.Context(), sessionKey, req.IconPath); err != nil {
			h.requestLogger(r).Error().Err(err).Msg("set icon path failed")
			httperrors.RespondInternalError(w, "Failed to generate challenge")
			return
		}
	}

	tokens, err := h.engine.Generate(r.Context(), sessionKey, req.Theme, req.ChallengeID)
	switch {
	case errors.Is(err, ErrInvalidTheme):
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidTheme, "Unknown theme", "theme")
		return
	case errors.Is(err, ErrInvalidChallengeID):
		httperrors.RespondValidationError(w, httperrors.ErrCodeInvalidCaptchaID, "Invalid challenge id", "challenge_id")
		return
	case err != nil:
		h.requestLogger(r).Error().Err(err).Msg("generate challenge failed")
		httperrors.RespondInternalError(w, "Failed to generate challenge")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"challenge_id": req.ChallengeID,
		"tokens":       tokens,
	})
}

// HandleSelect handles POST /v1/captcha/selections
func (h *HTTPHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTokenRequest(r, formClickID, formClickToken)
	if err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid payload")
		return
	}
	if req == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"correct": false})
		return
	}

	sessionKey := identity.SessionKeyFromContext(r.Context())
	unlock, ok := h.lock(w, r, sessionKey, req.ChallengeID)
	if !ok {
		return
	}
	defer unlock()

	correct, err := h.engine.RecordClick(r.Context(), sessionKey, req.ChallengeID, req.Token)
	if err != nil {
		h.requestLogger(r).Error().Err(err).Msg("record click failed")
		httperrors.RespondInternalError(w, "Failed to record selection")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"correct": correct})
}

// HandleValidate handles POST /v1/captcha/validations
func (h *HTTPHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTokenRequest(r, formChallengeID, formToken)
	if err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid payload")
		return
	}
	var sub *Submission
	if req != nil {
		sub = &Submission{ChallengeID: req.ChallengeID, Token: req.Token}
	}

	sessionKey := identity.SessionKeyFromContext(r.Context())
	if sub != nil {
		unlock, ok := h.lock(w, r, sessionKey, sub.ChallengeID)
		if !ok {
			return
		}
		defer unlock()
	}

	err = h.engine.Validate(r.Context(), sessionKey, sub)
	var verr *ValidationError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
	case errors.As(err, &verr):
		httperrors.RespondErrorWithDetails(w, http.StatusUnprocessableEntity, errorCode(verr.Kind), verr.Message,
			map[string]interface{}{"id": int(verr.Kind)})
	default:
		h.requestLogger(r).Error().Err(err).Msg("validate submission failed")
		httperrors.RespondInternalError(w, "Failed to validate submission")
	}
}

// HandleIcon handles GET /v1/captcha/icons?hash=<token>&cid=<id>. The
// response is either the image or a bare status code.
func (h *HTTPHandler) HandleIcon(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(queryIconToken)
	challengeID := r.URL.Query().Get(queryIconChallenge)
	if token == "" || challengeID == "" {
		httperrors.RespondStatus(w, http.StatusNotFound)
		return
	}

	sessionKey := identity.SessionKeyFromContext(r.Context())
	unlock, ok := h.lock(w, r, sessionKey, challengeID)
	if !ok {
		return
	}
	defer unlock()

	icon, err := h.engine.FetchIcon(r.Context(), sessionKey, challengeID, token)
	switch {
	case err == nil:
	case KindOf(err) == KindFetchQuotaExceeded:
		httperrors.RespondStatus(w, http.StatusForbidden)
		return
	case errors.Is(err, ErrNoIcon):
		httperrors.RespondStatus(w, http.StatusNotFound)
		return
	default:
		h.requestLogger(r).Error().Err(err).Msg("fetch icon failed")
		httperrors.RespondStatus(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", icon.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(icon.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(icon.Data)
}

// lock serializes work on one challenge. Requests without a well-formed
// challenge id are left unlocked; the engine rejects them without writing.
func (h *HTTPHandler) lock(w http.ResponseWriter, r *http.Request, sessionKey, challengeID string) (func(), bool) {
	if h.locker == nil || !validChallengeID(challengeID) {
		return func() {}, true
	}
	logger := h.requestLogger(r)
	release, err := h.locker.Lock(r.Context(), sessionKey+":"+challengeID)
	if err != nil {
		logger.Warn().Err(err).Str("challenge_id", challengeID).Msg("challenge lock unavailable")
		httperrors.RespondServiceUnavailable(w, httperrors.ErrCodeSessionBusy, "Challenge is busy, retry shortly")
		return nil, false
	}
	return func() {
		if err := release(); err != nil {
			logger.Warn().Err(err).Str("challenge_id", challengeID).Msg("challenge unlock failed")
		}
	}, true
}

// requestLogger tags the handler logger with the chi request id, if any.
func (h *HTTPHandler) requestLogger(r *http.Request) *zerolog.Logger {
	l := h.logger
	if id := chiMiddleware.GetReqID(r.Context()); id != "" {
		l = l.With().Str("request_id", id).Logger()
	}
	return &l
}

// decodeTokenRequest reads a JSON or form body. It returns nil, nil when the
// request carries no payload at all.
func decodeTokenRequest(r *http.Request, idField, tokenField string) (*tokenRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
		if req.ChallengeID == "" && req.Token == "" {
			return nil, nil
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	if len(r.PostForm) == 0 {
		return nil, nil
	}
	return &tokenRequest{
		ChallengeID: r.PostForm.Get(idField),
		Token:       r.PostForm.Get(tokenField),
	}, nil
}

func errorCode(kind ErrorKind) string {
	switch kind {
	case KindWrongSelection:
		return httperrors.ErrCodeWrongSelection
	case KindNoSelectionMade:
		return httperrors.ErrCodeNoSelectionMade
	case KindMissingForm:
		return httperrors.ErrCodeMissingForm
	case KindInvalidChallengeID:
		return httperrors.ErrCodeInvalidCaptchaID
	case KindFetchQuotaExceeded:
		return httperrors.ErrCodeFetchQuotaExceeded
	default:
		return httperrors.ErrCodeValidationFailed
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
