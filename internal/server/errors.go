package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vcplay/vcplay/internal/bridge"
	"github.com/vcplay/vcplay/internal/fallback"
	"github.com/vcplay/vcplay/internal/playback"
)

// ValidationError is a bad request parameter. It is reported with status
// 400 and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

// statusFor maps an operation error to a status code.
func statusFor(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, playback.ErrNoActiveSession):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error response.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)

	switch {
	case status == http.StatusServiceUnavailable:
		c.JSON(status, errorBody(s.unavailableMessage()))
	default:
		if failed, ok := fallback.IsAllBackendsFailed(err); ok {
			c.JSON(status, gin.H{"error": "Download failed on all APIs", "details": failed.Causes()})
			return
		}
		c.JSON(status, errorBody(err.Error()))
	}
}

// unavailableMessage explains a 503 depending on how far startup got.
func (s *Server) unavailableMessage() string {
	switch s.runtime.State() {
	case bridge.StateNotStarted, bridge.StateStarting:
		return "Server starting up, please wait."
	default:
		return "Clients not initialized"
	}
}
