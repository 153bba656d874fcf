package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"quotefeed.com/pkg/logger"
)

// Response 统一的 http 返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func FailLogged(c *gin.Context, httpStatus int, code int, msg string, err error) {
	FailLoggedData(c, httpStatus, code, msg, err, nil)
}

// FailLoggedData 同 FailLogged，但 data 一起返回（比如健康检查里每一项的失败原因）
func FailLoggedData(c *gin.Context, httpStatus int, code int, msg string, err error, data interface{}) {
	logger.Warn(c, "http error",
		zap.String("request_id", RequestIDFromGin(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", httpStatus),
		zap.Int("biz_code", code),
		zap.String("message", msg),
		zap.Error(err),
	)
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: msg,
		Data:    data,
	})
}
