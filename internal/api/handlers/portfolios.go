package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

type PortfolioHandler struct {
	portfolios *database.PortfolioRepository
	positions  *database.PositionRepository
	logger     *zap.Logger
}

func NewPortfolioHandler(portfolios *database.PortfolioRepository, positions *database.PositionRepository, logger *zap.Logger) *PortfolioHandler {
	return &PortfolioHandler{portfolios: portfolios, positions: positions, logger: nopIfNil(logger)}
}

func (h *PortfolioHandler) List(c *gin.Context) {
	pfs, err := h.portfolios.List(c.Request.Context())
	if err != nil {
		fail(c, h.logger, "list_portfolios", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"portfolios": pfs})
}

// Get returns the portfolio with its open positions.
func (h *PortfolioHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	pf, err := h.portfolios.Get(ctx, nil, c.Param("id"))
	if err != nil {
		fail(c, h.logger, "get_portfolio", err)
		return
	}
	open, err := h.positions.ListOpen(ctx, nil, pf.ID)
	if err != nil {
		fail(c, h.logger, "get_portfolio", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"portfolio": pf, "open_positions": open})
}

// Performance summarises the portfolio's closed positions.
func (h *PortfolioHandler) Performance(c *gin.Context) {
	ctx := c.Request.Context()
	pf, err := h.portfolios.Get(ctx, nil, c.Param("id"))
	if err != nil {
		fail(c, h.logger, "portfolio_performance", err)
		return
	}
	closed, err := h.positions.ListClosed(ctx, pf.ID)
	if err != nil {
		fail(c, h.logger, "portfolio_performance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"performance": models.SummarizePerformance(pf.ID, closed)})
}
