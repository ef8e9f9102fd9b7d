package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// PositionCloser closes positions by hand while no cycle is running.
type PositionCloser interface {
	ClosePosition(ctx context.Context, id, reason string, fraction float64) (*models.Position, error)
}

type PositionHandler struct {
	positions *database.PositionRepository
	closer    PositionCloser
	logger    *zap.Logger
}

func NewPositionHandler(positions *database.PositionRepository, closer PositionCloser, logger *zap.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, closer: closer, logger: nopIfNil(logger)}
}

func (h *PositionHandler) List(c *gin.Context) {
	f := database.PositionFilter{
		PortfolioID: c.Query("portfolio"),
		Ticker:      models.NormalizeTicker(c.Query("ticker")),
		Limit:       limit(c, 100),
	}
	switch s := models.InstrumentStatus(strings.ToLower(c.Query("status"))); s {
	case "":
	case models.StatusOpen, models.StatusClosed:
		f.Status = s
	default:
		badRequest(c, "status must be open or closed")
		return
	}
	positions, err := h.positions.List(c.Request.Context(), f)
	if err != nil {
		fail(c, h.logger, "list_positions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// Get returns the position including its exit log.
func (h *PositionHandler) Get(c *gin.Context) {
	p, err := h.positions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.logger, "get_position", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PositionHandler) Exits(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.positions.Get(ctx, id); err != nil {
		fail(c, h.logger, "list_position_exits", err)
		return
	}
	exits, err := h.positions.Exits(ctx, id)
	if err != nil {
		fail(c, h.logger, "list_position_exits", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exits": exits})
}

type CloseRequest struct {
	Reason string `json:"reason" binding:"required"`
	// Fraction in (0,1) closes that share of the remainder; absent closes everything.
	Fraction *float64 `json:"fraction"`
}

func (h *PositionHandler) Close(c *gin.Context) {
	var req CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason is required")
		return
	}
	fraction := 1.0
	if req.Fraction != nil {
		if *req.Fraction <= 0 || *req.Fraction > 1 {
			badRequest(c, "fraction must be in (0, 1]")
			return
		}
		fraction = *req.Fraction
	}
	p, err := h.closer.ClosePosition(c.Request.Context(), c.Param("id"), req.Reason, fraction)
	if err != nil {
		fail(c, h.logger, "close_position", err)
		return
	}
	c.JSON(http.StatusOK, p)
}
