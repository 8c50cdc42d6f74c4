package httpmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"go.uber.org/zap"
)

// RespondError maps a tagged error variant onto an HTTP response. This is the
// single place where error kinds become status codes. Internal errors never
// leak their message: the caller gets an opaque correlation reference and the
// full error goes to the log.
func RespondError(c *gin.Context, log *logger.Logger, err error) {
	appErr, ok := apperrors.As(err)
	if !ok || appErr.Code == apperrors.ErrCodeInternalError {
		ref := CorrelationID(c.Request.Context())
		log.Error("request failed",
			zap.String("correlation_id", ref),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "internal error",
			"reference": ref,
		})
		return
	}

	if appErr.Code == apperrors.ErrCodeQueueFull && appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}

	body := gin.H{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if appErr.Detail != nil {
		body["detail"] = appErr.Detail
	}
	if appErr.RetryAfter > 0 {
		body["retry_after"] = appErr.RetryAfter
	}

	c.JSON(appErr.HTTPStatus, body)
}
