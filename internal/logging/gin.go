package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
)

// GinLogger logs one line per admin request.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := MaskQuery(c.Request.URL.RawQuery)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		latency := time.Since(start).Truncate(time.Millisecond)
		status := c.Writer.Status()
		line := fmt.Sprintf("[GIN] %3d | %10v | %15s | %-7s %q", status, latency, c.ClientIP(), c.Request.Method, path)
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			line += " | " + msg
		}

		switch {
		case status >= http.StatusInternalServerError:
			Error(line)
		case status >= http.StatusBadRequest:
			Warn(line)
		default:
			Debug(line)
		}
	}
}

func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		WithFields(Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
