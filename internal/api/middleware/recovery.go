package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"runtime/debug"
	"syscall"

	"catalogsync/internal/logger"

	"github.com/gin-gonic/gin"
)

// Recovery turns a handler panic into a JSON 500. Panics caused by the client
// hanging up are dropped without a response.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && clientGone(err) {
			log.Debug("Client disconnected", "path", c.Request.URL.Path, "error", err)
			c.Abort()
			return
		}

		fields := []interface{}{
			"panic", fmt.Sprint(recovered),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		}
		if gin.IsDebugging() {
			dump, _ := httputil.DumpRequest(c.Request, false)
			fields = append(fields, "request", string(dump), "stack", string(debug.Stack()))
		}
		log.Error("Panic in API handler", fields...)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	})
}

func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
