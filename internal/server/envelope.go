package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/contextd/contextd/internal/apperr"
)

// envelope is the uniform response shape: success with data, or failure
// with a coded error.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("internal error", err)
	}

	c.JSON(statusFor(appErr.Kind), envelope{
		Success: false,
		Error: &errorBody{
			Code:    string(appErr.Kind),
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindBackpressure:
		return http.StatusTooManyRequests
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case apperr.KindPartialEnrichment:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
