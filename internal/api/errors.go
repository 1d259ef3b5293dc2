package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/merge"
	"github.com/polravi/mapmyactivities/internal/ratelimit"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) (int, ErrorResponse) {
	var ve *delta.ValidationError
	var pe *delta.PushError
	var qe *ratelimit.QuotaExceededError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Field: ve.Field}
	case errors.As(err, &qe):
		return http.StatusTooManyRequests, ErrorResponse{Error: qe.Error()}
	case errors.Is(err, delta.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.Is(err, merge.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Error: err.Error()}
	case errors.Is(err, delta.ErrConflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Retryable: true}
	case errors.As(err, &pe):
		return http.StatusInternalServerError, ErrorResponse{Error: "sync failed, try again", Retryable: true}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Retryable: true}
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("user", UserID(c)),
			slog.Any("error", err),
		)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request: " + err.Error()})
}
