package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"tokenrelay/internal/db"
	"tokenrelay/internal/models"
	"tokenrelay/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Context keys set by the middleware chain.
const (
	ContextKeyUser      = "user"
	ContextKeyRequestID = "requestID"
)

// RequestIDHeader is accepted inbound and always echoed outbound.
const RequestIDHeader = "X-Request-Id"

// requestIDPattern defines a well-formed inbound correlation id; anything
// else is replaced with a freshly minted one.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// RequestID assigns the correlation id: the inbound header when well-formed,
// a fresh UUID otherwise. The id is echoed on the response and stored on the
// usage row downstream.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if !requestIDPattern.MatchString(requestID) {
			requestID = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// RequestIDFrom returns the correlation id assigned by RequestID.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// CORS returns the permissive cross-origin layer for the demo UI.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type", RequestIDHeader},
		ExposeHeaders:   []string{RequestIDHeader, "Retry-After"},
		MaxAge:          12 * time.Hour,
	})
}

// UserAuth resolves the bearer credential to a user by exact match in the
// store. The user identity embedded in the credential format is advisory
// only and never trusted.
func UserAuth(conn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errToken := bearerToken(c)
		if errToken != nil {
			abortError(c, http.StatusUnauthorized, errToken.Error(), ErrorTypeAuthentication)
			return
		}

		var user models.User
		errFind := conn.WithContext(c.Request.Context()).Where("api_key = ?", token).First(&user).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				abortError(c, http.StatusUnauthorized, "Invalid API key", ErrorTypeAuthentication)
				return
			}
			if db.IsBusy(errFind) {
				abortError(c, http.StatusServiceUnavailable, "Store busy, retry shortly", ErrorTypeServer)
				return
			}
			log.WithError(errFind).WithField("api_key", util.HideAPIKey(token)).Error("auth: lookup failed")
			abortError(c, http.StatusInternalServerError, "Authentication failed", ErrorTypeServer)
			return
		}

		c.Set(ContextKeyUser, user)
		c.Next()
	}
}

// AdminAuth compares the bearer credential against the configured admin
// secret in constant time. Missing or malformed headers are 401; a wrong
// secret is 403.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errToken := bearerToken(c)
		if errToken != nil {
			abortError(c, http.StatusUnauthorized, errToken.Error(), ErrorTypeAuthentication)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
			abortError(c, http.StatusForbidden, "Invalid admin API key", ErrorTypePermission)
			return
		}
		c.Next()
	}
}

// UserFrom returns the authenticated user set by UserAuth.
func UserFrom(c *gin.Context) (models.User, bool) {
	value, ok := c.Get(ContextKeyUser)
	if !ok {
		return models.User{}, false
	}
	user, okUser := value.(models.User)
	return user, okUser
}

// bearerToken extracts the credential from the authorization header.
func bearerToken(c *gin.Context) (string, error) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", errors.New("Missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("Invalid Authorization header format. Use 'Bearer <api_key>'")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("Invalid Authorization header format. Use 'Bearer <api_key>'")
	}
	return token, nil
}
