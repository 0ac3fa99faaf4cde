package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger はリクエストごとにアクセスログを構造化ログで出力するGinミドルウェアを返す。
// gin.Logger() の代わりに使用する。
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if identity, ok := GetIdentity(c); ok {
			fields = append(fields, zap.String("role", string(identity.Role)), zap.Int64("subject_id", identity.ID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("リクエスト処理", fields...)
		case status >= 400:
			logger.Warn("リクエスト処理", fields...)
		default:
			logger.Info("リクエスト処理", fields...)
		}
	}
}
