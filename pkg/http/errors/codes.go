package errors

// Error codes for standardized error responses
const (
	// Validation errors
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeInvalidTheme     = "invalid_theme"
	ErrCodeInvalidCaptchaID = "invalid_captcha_id"
	ErrCodeInvalidIconPath  = "invalid_icon_path"

	// Captcha rejections, one per engine error kind
	ErrCodeWrongSelection     = "wrong_selection"
	ErrCodeNoSelectionMade    = "no_selection_made"
	ErrCodeMissingForm        = "missing_form"
	ErrCodeFetchQuotaExceeded = "fetch_quota_exceeded"

	// Session errors
	ErrCodeSessionBusy = "session_busy"

	// Server errors
	ErrCodeInternalError      = "internal_error"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeUpstreamError      = "upstream_error"
)
