// Package admin is the debugging and manual-trigger HTTP surface. It is
// read-mostly: the only writes are a manual reconciliation sweep, an export
// enqueue, and baseline upserts.
package admin

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamtimeline/backend/internal/aggregate"
	"github.com/streamtimeline/backend/internal/connector"
	"github.com/streamtimeline/backend/internal/store"
	"github.com/streamtimeline/backend/pkg/queue"
	"github.com/streamtimeline/backend/pkg/response"
)

// Handler serves the admin API.
type Handler struct {
	connector     *connector.Connector
	sweeper       Sweeper
	store         *store.Repository
	aggregates    *aggregate.Repository
	exports       *queue.Queue
	broadcasterID string
	logger        *zap.Logger
}

// Sweeper triggers one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// NewHandler creates the admin handler.
func NewHandler(conn *connector.Connector, sw Sweeper, st *store.Repository, agg *aggregate.Repository, exports *queue.Queue, broadcasterID string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		connector:     conn,
		sweeper:       sw,
		store:         st,
		aggregates:    agg,
		exports:       exports,
		broadcasterID: broadcasterID,
		logger:        logger,
	}
}

// GetStatus returns the connector snapshot plus the current session state.
func (h *Handler) GetStatus(c *gin.Context) {
	out := gin.H{"connector": h.connector.Status()}
	session, err := h.store.GetActiveSession(c.Request.Context(), h.broadcasterID)
	if err != nil {
		response.Internal(c, "load active session failed")
		return
	}
	out["active_session"] = session
	if session != nil {
		segment, err := h.store.GetOpenSegment(c.Request.Context(), session.ID)
		if err != nil {
			response.Internal(c, "load open segment failed")
			return
		}
		out["open_segment"] = segment
	}
	response.OK(c, out)
}

// ListSessions returns recent sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context(), 50)
	if err != nil {
		response.Internal(c, "list sessions failed")
		return
	}
	response.OK(c, sessions)
}

// ListSegments returns all segments of one session.
func (h *Handler) ListSegments(c *gin.Context) {
	sessionID := c.Param("id")
	segments, err := h.store.ListSegments(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "list segments failed")
		return
	}
	response.OK(c, segments)
}

// GetSessionSummary returns the per-category rollup of one session.
func (h *Handler) GetSessionSummary(c *gin.Context) {
	summary, err := h.aggregates.SessionSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Internal(c, "session summary failed")
		return
	}
	response.OK(c, summary)
}

// GetAggregates returns the global per-game totals.
func (h *Handler) GetAggregates(c *gin.Context) {
	aggregates, err := h.aggregates.GlobalAggregates(c.Request.Context())
	if err != nil {
		response.Internal(c, "aggregates failed")
		return
	}
	response.OK(c, aggregates)
}

// TriggerReconcile runs one reconciliation sweep immediately.
func (h *Handler) TriggerReconcile(c *gin.Context) {
	h.sweeper.Sweep(c.Request.Context())
	h.logger.Info("manual reconciliation sweep triggered")
	response.OK(c, gin.H{"triggered": true})
}

// TriggerExport enqueues an aggregate export job.
func (h *Handler) TriggerExport(c *gin.Context) {
	payload := queue.AggregateExportPayload{RequestedBy: "admin", RequestedAt: time.Now().UTC()}
	if err := h.exports.EnqueueAggregateExport(c.Request.Context(), payload); err != nil {
		response.Internal(c, "enqueue export failed")
		return
	}
	response.OK(c, gin.H{"enqueued": true})
}

type baselineRequest struct {
	Game  string  `json:"game" binding:"required"`
	Hours float64 `json:"hours" binding:"min=0"`
}

// PutBaseline records a new baseline row for a game.
func (h *Handler) PutBaseline(c *gin.Context) {
	var req baselineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "game and non-negative hours required")
		return
	}
	if err := h.aggregates.UpsertBaseline(c.Request.Context(), req.Game, req.Hours); err != nil {
		response.Internal(c, "upsert baseline failed")
		return
	}
	response.OK(c, gin.H{"game": req.Game, "hours": req.Hours})
}
