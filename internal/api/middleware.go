package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/metrics"
)

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%d %s %s %s (%.3fs)", c.Writer.Status(), c.Request.Method,
			c.Request.URL.Path, c.ClientIP(), time.Since(start).Seconds())
	}
}

// requestMetrics counts requests by route template so path parameters do not explode labels.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(route, c.Request.Method, strconv.Itoa(c.Writer.Status()))
	}
}
