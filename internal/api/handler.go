package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poolkeeper/internal/account"
	"poolkeeper/internal/pool"
	"poolkeeper/internal/quota"
	"poolkeeper/internal/replenish"
)

const defaultHistoryLimit = 50

// HistoryStore answers status history and health queries
type HistoryStore interface {
	History(ctx context.Context, name string, limit int) ([]account.HistoryRecord, error)
	Ping(ctx context.Context) error
}

// Handler handles management API requests
type Handler struct {
	accountMgr *account.Manager
	tracker    *quota.Tracker
	store      HistoryStore
	scheduler  *replenish.Scheduler
	logger     *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(accountMgr *account.Manager, tracker *quota.Tracker, store HistoryStore, scheduler *replenish.Scheduler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		accountMgr: accountMgr,
		tracker:    tracker,
		store:      store,
		scheduler:  scheduler,
		logger:     logger,
	}
}

// Register mounts every route on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/stats", h.GetStats)
		apiGroup.GET("/pools/:pool/groups", h.ListGroups)
		apiGroup.GET("/pending", h.ListPending)
		apiGroup.GET("/exhausted", h.ListExhausted)
		apiGroup.POST("/activate", h.Activate)
		apiGroup.POST("/cleanup", h.Cleanup)
		apiGroup.GET("/accounts/:name/history", h.GetHistory)
		apiGroup.POST("/replenish", h.Replenish)
		apiGroup.GET("/replenish/last", h.LastCycle)
	}
}

type activateRequest struct {
	Prefix string `json:"prefix" binding:"required"`
}

type cleanupRequest struct {
	Prefix string `json:"prefix" binding:"required"`
	Delete bool   `json:"delete"`
}

// GetStats returns pool and status statistics
func (h *Handler) GetStats(c *gin.Context) {
	snap, err := h.tracker.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, snap)
}

// ListGroups returns the groups of one pool
func (h *Handler) ListGroups(c *gin.Context) {
	p, err := pool.Parse(c.Param("pool"))
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	listing, err := h.tracker.Groups(c.Request.Context(), p)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, listing)
}

// ListPending returns the groups waiting for activation
func (h *Handler) ListPending(c *gin.Context) {
	listing, err := h.tracker.Pending(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, listing)
}

// ListExhausted returns activated groups that are used up
func (h *Handler) ListExhausted(c *gin.Context) {
	listing, err := h.tracker.Exhausted(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, listing)
}

// Activate moves a pending group to the activated pool
func (h *Handler) Activate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	err := h.accountMgr.Activate(c.Request.Context(), req.Prefix)
	var rbErr *account.RollbackError
	switch {
	case err == nil:
		c.JSON(200, gin.H{"prefix": req.Prefix, "activated": true})
	case errors.As(err, &rbErr):
		c.JSON(500, gin.H{"error": err.Error(), "straddled": rbErr.Straddled})
	case errors.Is(err, account.ErrIncompleteGroup):
		c.JSON(409, gin.H{"error": err.Error()})
	default:
		c.JSON(500, gin.H{"error": err.Error()})
	}
}

// Cleanup archives or deletes an exhausted activated group
func (h *Handler) Cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	n, err := h.accountMgr.Archive(c.Request.Context(), req.Prefix, req.Delete)
	if err != nil {
		if errors.Is(err, account.ErrGroupNotFound) {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(500, gin.H{"error": err.Error(), "processed": n})
		return
	}
	c.JSON(200, gin.H{"prefix": req.Prefix, "processed": n, "deleted": req.Delete})
}

// GetHistory returns the status transitions of one account
func (h *Handler) GetHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.store.History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []account.HistoryRecord{}
	}
	c.JSON(200, records)
}

// Replenish runs one cycle immediately
func (h *Handler) Replenish(c *gin.Context) {
	report, err := h.scheduler.Trigger(c.Request.Context())
	if errors.Is(err, replenish.ErrCycleInProgress) {
		c.JSON(409, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, report)
}

// LastCycle returns the report of the most recent cycle
func (h *Handler) LastCycle(c *gin.Context) {
	report := h.scheduler.Last()
	if report == nil {
		c.JSON(404, gin.H{"error": "no cycle has run yet"})
		return
	}
	c.JSON(200, report)
}

// Health returns health status
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := gin.H{"status": "healthy"}
	if last := h.scheduler.Last(); last != nil {
		resp["last_cycle"] = last.FinishedAt
		if last.Error != "" {
			resp["status"] = "degraded"
			resp["last_error"] = last.Error
		}
	}

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("status store ping failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(200, resp)
}
