package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"quotefeed.com/pkg/common"
	"quotefeed.com/pkg/logger"
)

// ReqId 透传或生成 request id，并放进 request context 的日志字段
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(logger.With(c.Request.Context(), zap.String("request_id", rid)))
		c.Next()
	}
}
