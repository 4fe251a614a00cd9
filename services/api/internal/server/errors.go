package server

import (
	"errors"
	"net/http"
	"strings"

	"profilehub/internal/util"
	"profilehub/services/api/internal/app"
)

const (
	codeValidation         = "VALIDATION_FAILED"
	codeInvalidJSON        = "INVALID_JSON"
	codeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	codeInvalidToken       = "AUTH_INVALID_TOKEN"
	codeInvalidRefresh     = "AUTH_INVALID_REFRESH_TOKEN"
	codeNotFound           = "NOT_FOUND"
	codeMethodNotAllowed   = "SYSTEM_METHOD_NOT_ALLOWED"
	codeFileTooLarge       = "DOCUMENT_FILE_TOO_LARGE"
	codeRateLimited        = "SYSTEM_RATE_LIMITED"
	codeInternal           = "SYSTEM_INTERNAL_ERROR"
)

type errorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeFieldError(w, status, code, msg, nil)
}

func writeFieldError(w http.ResponseWriter, status int, code, msg string, fields map[string]string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		Fields:    fields,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps application errors to status codes. Unclassified errors
// are logged and reported as a generic 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *app.ValidationError
	var ierr *app.IntegrityError
	switch {
	case errors.As(err, &verr):
		writeFieldError(w, http.StatusBadRequest, codeValidation, "invalid input", verr.Fields)
	case errors.As(err, &ierr):
		code := "ACCOUNT_" + strings.ToUpper(ierr.Field) + "_EXISTS"
		writeFieldError(w, http.StatusBadRequest, code, ierr.Error(), map[string]string{ierr.Field: ierr.Error()})
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, err.Error())
	case errors.Is(err, app.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, codeInvalidToken, "Given token not valid for any token type")
	case errors.Is(err, app.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, codeInvalidRefresh, err.Error())
	case errors.Is(err, app.ErrRefreshTokenRequired):
		writeFieldError(w, http.StatusBadRequest, codeValidation, "invalid input", map[string]string{"refresh_token": "This field is required."})
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Not found.")
	case errors.Is(err, app.ErrFileTooLarge):
		writeFieldError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge, "file too large", map[string]string{"file": err.Error()})
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
