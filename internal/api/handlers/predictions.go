package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

type PredictionHandler struct {
	predictions *database.PredictionRepository
	logger      *zap.Logger
}

func NewPredictionHandler(predictions *database.PredictionRepository, logger *zap.Logger) *PredictionHandler {
	return &PredictionHandler{predictions: predictions, logger: nopIfNil(logger)}
}

func (h *PredictionHandler) List(c *gin.Context) {
	f := database.PredictionFilter{
		AuthorID: c.Query("author"),
		Ticker:   models.NormalizeTicker(c.Query("ticker")),
		Limit:    limit(c, 100),
	}
	switch s := models.InstrumentStatus(strings.ToLower(c.Query("status"))); s {
	case "":
	case models.StatusOpen, models.StatusClosed:
		f.Status = s
	default:
		badRequest(c, "status must be open or closed")
		return
	}
	preds, err := h.predictions.List(c.Request.Context(), f)
	if err != nil {
		fail(c, h.logger, "list_predictions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"predictions": preds, "count": len(preds)})
}

func (h *PredictionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.predictions.Get(ctx, c.Param("id"))
	if err != nil {
		fail(c, h.logger, "get_prediction", err)
		return
	}
	exits, err := h.predictions.Exits(ctx, p.ID)
	if err != nil {
		fail(c, h.logger, "get_prediction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prediction": p, "exits": exits})
}

type OverrideRequest struct {
	Correct *bool `json:"correct" binding:"required"`
}

// Override pins the prediction's correctness ahead of its close.
func (h *PredictionHandler) Override(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "correct is required")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.predictions.SetOverride(ctx, id, *req.Correct); err != nil {
		fail(c, h.logger, "override_prediction", err)
		return
	}
	p, err := h.predictions.Get(ctx, id)
	if err != nil {
		fail(c, h.logger, "override_prediction", err)
		return
	}
	c.JSON(http.StatusOK, p)
}
