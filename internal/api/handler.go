// Package api exposes the unified data, run statistics and health over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cryptoetl/internal/coordinator"
	"cryptoetl/internal/metrics"
	"cryptoetl/internal/model"
	"cryptoetl/internal/query"
)

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"

	ctxRequestID    = "request_id"
	ctxRequestStart = "request_start"
)

// Reader is the read side the handlers serve from.
type Reader interface {
	List(ctx context.Context, f query.Filter, p query.Page) (query.Result, error)
	Stats(ctx context.Context) (query.Stats, error)
	Jobs(ctx context.Context, limit int) ([]model.ETLJob, error)
	Health(ctx context.Context) query.Health
}

// Trigger starts a background ingestion run.
type Trigger interface {
	Trigger() error
}

// Handler serves the HTTP API.
type Handler struct {
	reader  Reader
	trigger Trigger
	log     *slog.Logger
}

// NewHandler returns a Handler. trigger may be nil, in which case manual
// runs are refused.
func NewHandler(reader Reader, trigger Trigger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{reader: reader, trigger: trigger, log: log}
}

// Router builds the gin engine with every route and middleware attached.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), h.accessLog(), metrics.Middleware())

	r.GET("/", h.root)
	r.GET("/health", h.health)
	r.GET("/data", h.data)
	r.GET("/stats", h.stats)
	r.GET("/jobs", h.jobs)
	r.POST("/etl/run", h.runETL)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxRequestStart, time.Now())
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"request_id", c.GetString(ctxRequestID),
			"latency_ms", latencyMS(c),
		)
	}
}

func latencyMS(c *gin.Context) float64 {
	start := c.GetTime(ctxRequestStart)
	if start.IsZero() {
		return 0
	}
	return float64(time.Since(start).Microseconds()) / 1000
}

func (h *Handler) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.Request.URL.Path, "request_id", c.GetString(ctxRequestID), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "request_id": c.GetString(ctxRequestID)})
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "cryptoetl API is running"})
}

func (h *Handler) health(c *gin.Context) {
	hc := h.reader.Health(c.Request.Context())

	database := "connected"
	status := http.StatusOK
	if !hc.DatabaseReachable {
		database = "disconnected"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":       hc.Status,
		"database":     database,
		"last_etl_run": hc.LastETLStatus,
		"timestamp":    hc.ServerTime.Format(time.RFC3339),
	})
}

// intQuery parses an optional integer query parameter.
func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func (h *Handler) data(c *gin.Context) {
	limit, err := intQuery(c, "limit", query.DefaultLimit)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if limit < 1 {
		limit = 1
	}

	filter := query.Filter{Symbol: c.Query("symbol"), Source: c.Query("source")}
	res, err := h.reader.List(c.Request.Context(), filter, query.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metadata": gin.H{
			"request_id":     c.GetString(ctxRequestID),
			"api_latency_ms": latencyMS(c),
			"total_records":  res.Total,
			"page_limit":     res.Page.Limit,
			"page_offset":    res.Page.Offset,
		},
		"data": res.Items,
	})
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.reader.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}

	var lastJob gin.H
	if st.LastJob != nil {
		lastJob = gin.H{
			"status":          st.LastJob.Status,
			"items_processed": st.LastJob.ItemsProcessed,
			"run_time":        st.LastJob.StartTime.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total_records_ingested": st.TotalUnified,
		"last_job":               lastJob,
	})
}

func (h *Handler) jobs(c *gin.Context) {
	limit, err := intQuery(c, "limit", 20)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	list, err := h.reader.Jobs(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "count": len(list)})
}

func (h *Handler) runETL(c *gin.Context) {
	if h.trigger == nil {
		h.fail(c, http.StatusServiceUnavailable, coordinator.ErrRunnerStopped)
		return
	}

	err := h.trigger.Trigger()
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, coordinator.ErrRunInProgress):
		h.fail(c, http.StatusConflict, err)
	case errors.Is(err, coordinator.ErrRunnerStopped):
		h.fail(c, http.StatusServiceUnavailable, err)
	default:
		h.fail(c, http.StatusInternalServerError, err)
	}
}
