package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RezaEskandarii/jobqueue/client"
	"github.com/RezaEskandarii/jobqueue/internal/logger"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/types"
)

const shutdownTimeout = 10 * time.Second

// HttpRouteHandler exposes the producer and monitoring API of a job queue.
type HttpRouteHandler struct {
	queue  *client.JobQueue
	logger *slog.Logger
	Port   uint
}

func NewRouteHandler(queue *client.JobQueue, port uint, l *slog.Logger) *HttpRouteHandler {
	if l == nil {
		l = logger.Discard()
	}
	return &HttpRouteHandler{
		queue:  queue,
		logger: l,
		Port:   port,
	}
}

// Router builds the gin engine with every route registered.
func (handler *HttpRouteHandler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(handler.logger))

	router.GET("/health", handler.health)
	router.GET("/stats", handler.stats)
	router.GET("/jobs", handler.listJobs)
	router.GET("/jobs/:id", handler.getJob)
	router.POST("/jobs", handler.dispatchJob)
	router.POST("/jobs/:id/retry", handler.retryJob)
	return router
}

// Serve listens on Port until ctx is done, then shuts down gracefully.
func (handler *HttpRouteHandler) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", handler.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	printBanner(addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// health handles GET /health
func (handler *HttpRouteHandler) health(c *gin.Context) {
	if err := handler.queue.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"instance": handler.queue.Instance(),
	})
}

// stats handles GET /stats
func (handler *HttpRouteHandler) stats(c *gin.Context) {
	counts, err := handler.queue.GetStats(c.Request.Context())
	if err != nil {
		handler.abort(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"counts": counts,
		"total":  total,
	})
}

// listJobs handles GET /jobs?status=&page=&page_size=
func (handler *HttpRouteHandler) listJobs(c *gin.Context) {
	status := state.JobStatus(c.Query("status"))
	page := intQuery(c, "page", 1)
	pageSize := intQuery(c, "page_size", 0)

	result, err := handler.queue.ListJobs(c.Request.Context(), status, page, pageSize)
	if err != nil {
		handler.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getJob handles GET /jobs/:id
func (handler *HttpRouteHandler) getJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := handler.queue.FindByID(c.Request.Context(), id)
	if err != nil {
		handler.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// DispatchRequest is the body of POST /jobs.
type DispatchRequest struct {
	Type        string        `json:"type" binding:"required"`
	Payload     types.Payload `json:"payload"`
	Priority    *int          `json:"priority"`
	MaxAttempts int           `json:"max_attempts" binding:"min=0"`
	RunAt       *time.Time    `json:"run_at"`
}

// dispatchJob handles POST /jobs
func (handler *HttpRouteHandler) dispatchJob(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var opts []client.DispatchOption
	if req.Priority != nil {
		opts = append(opts, client.WithPriority(*req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, client.WithMaxAttempts(req.MaxAttempts))
	}
	if req.RunAt != nil {
		opts = append(opts, client.WithRunAt(*req.RunAt))
	}

	job, err := handler.queue.DispatchWithOptions(c.Request.Context(), req.Type, req.Payload, opts...)
	if err != nil {
		handler.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// retryJob handles POST /jobs/:id/retry
func (handler *HttpRouteHandler) retryJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := handler.queue.Retry(c.Request.Context(), id)
	if err != nil {
		handler.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
