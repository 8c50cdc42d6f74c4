package httpmw

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/trinity/trinity/internal/common/logger"
)

// CorrelationHeader is the header carrying the request correlation id.
const CorrelationHeader = "X-Correlation-ID"

// Correlation attaches a correlation id to every request context and echoes
// it back in the response. Internal error responses reference this id; the
// full error is only written to the log.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := context.WithValue(c.Request.Context(), logger.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, id)

		c.Next()
	}
}

// CorrelationID returns the correlation id for a request context, if set.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(logger.CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}
