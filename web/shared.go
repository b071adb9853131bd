package web

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
)

// abort writes err with the status code matching its kind.
func (handler *HttpRouteHandler) abort(c *gin.Context, err error) {
	var persistence *custom_errors.PersistenceError
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, custom_errors.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, custom_errors.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.As(err, &persistence):
		status = http.StatusInternalServerError
		handler.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid job id '%s'", c.Param("id"))})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func printBanner(addr string) {
	width := 46
	fmt.Println("##############################################")
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Printf("# %-*s #\n", width-4, "jobqueue API started")
	fmt.Printf("# %-*s #\n", width-4, fmt.Sprintf("listening on %s", addr))
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Println("##############################################")
}
