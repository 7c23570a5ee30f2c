package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"tokenrelay/internal/backend"
	"tokenrelay/internal/db"
	"tokenrelay/internal/openai"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/upload"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Error envelope types, in the OpenAI vocabulary.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypePermission     = "permission_error"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeServer         = "server_error"
)

// WriteError renders the uniform error envelope.
func WriteError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, openai.ErrorEnvelope{Error: openai.ErrorDetail{Message: message, Type: errType}})
}

// abortError renders the envelope and stops the middleware chain.
func abortError(c *gin.Context, status int, message, errType string) {
	c.AbortWithStatusJSON(status, openai.ErrorEnvelope{Error: openai.ErrorDetail{Message: message, Type: errType}})
}

// WriteTypedError maps a pipeline error onto the envelope: typed backend,
// rate-limit, and upload failures carry their own status; store contention
// becomes a retriable 503; everything else is a 500.
func WriteTypedError(c *gin.Context, err error) {
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		if limitErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(limitErr.RetryAfter))
		}
		WriteError(c, http.StatusTooManyRequests, limitErr.Error(), ErrorTypeRateLimit)
		return
	}

	var backendErr *backend.Error
	if errors.As(err, &backendErr) {
		c.JSON(backendErr.StatusCode, openai.ErrorEnvelope{Error: openai.ErrorDetail{
			Message: backendErr.Message,
			Type:    backendErr.Type,
			Param:   backendErr.Param,
		}})
		return
	}

	var uploadErr *upload.Error
	if errors.As(err, &uploadErr) {
		c.JSON(uploadErr.StatusCode, openai.ErrorEnvelope{Error: openai.ErrorDetail{
			Message: uploadErr.Message,
			Type:    ErrorTypeInvalidRequest,
			Param:   uploadErr.Param,
		}})
		return
	}

	if errors.Is(err, context.Canceled) {
		// Client went away; nothing to surface.
		c.Abort()
		return
	}

	if db.IsBusy(err) {
		WriteError(c, http.StatusServiceUnavailable, "Store busy, retry shortly", ErrorTypeServer)
		return
	}

	log.WithError(err).Error("request failed")
	WriteError(c, http.StatusInternalServerError, "Internal server error", ErrorTypeServer)
}
