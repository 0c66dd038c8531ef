package middleware

import (
	"errors"
	"net/http"

	"eterlink/internal/core/domain"
	apperrors "eterlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// ErrorBody is the JSON shape of every relay HTTP error. Type matches the
// websocket ERROR frame so a client can decode both the same way.
type ErrorBody struct {
	Type      domain.MessageType     `json:"type"`
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// relayErrors maps domain failures that handlers report as-is to relay codes.
var relayErrors = []struct {
	target error
	build  func(c *gin.Context) *apperrors.AppError
}{
	{domain.ErrInvalidKey, func(*gin.Context) *apperrors.AppError { return apperrors.NewInvalidKeyError() }},
	{domain.ErrIDTaken, func(c *gin.Context) *apperrors.AppError { return apperrors.NewIDTakenError(peerParam(c)) }},
	{domain.ErrPeerNotFound, func(c *gin.Context) *apperrors.AppError { return apperrors.NewPeerNotFoundError(peerParam(c)) }},
	{domain.ErrInvalidPayload, func(*gin.Context) *apperrors.AppError { return apperrors.NewBadFrameError("malformed payload") }},
}

func peerParam(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Query("id")
}

// toAppError resolves err to the relay error it should be reported as.
func toAppError(c *gin.Context, err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range relayErrors {
		if errors.Is(err, m.target) {
			appErr := m.build(c)
			appErr.Cause = err
			return appErr
		}
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, ErrorBody{
		Type:      domain.MessageError,
		Error:     string(appErr.Code),
		Message:   appErr.Message,
		RequestID: c.Writer.Header().Get(requestIDHeader),
		Details:   appErr.Context,
	})
}

// ErrorHandlerMiddleware renders the last error a handler recorded with
// c.Error. Client mistakes are logged at warn, everything else at error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		appErr := toAppError(c, err)

		log := logger.Errorw
		if appErr.HTTPStatus < http.StatusInternalServerError {
			log = logger.Warnw
		}
		log("Relay request failed",
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"peer_id", peerParam(c),
			"request_id", c.Writer.Header().Get(requestIDHeader),
			"error", err,
		)
		abortWithError(c, appErr)
	}
}

func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("Panic in relay handler",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				if !c.Writer.Written() {
					abortWithError(c, apperrors.NewInternalError("Internal server error"))
					return
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}
