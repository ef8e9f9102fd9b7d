package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

type SignalHandler struct {
	signals *database.SignalRepository
	logger  *zap.Logger
}

func NewSignalHandler(signals *database.SignalRepository, logger *zap.Logger) *SignalHandler {
	return &SignalHandler{signals: signals, logger: nopIfNil(logger)}
}

// List filters by ?date=YYYY-MM-DD, ?ticker= and ?type=quality|consensus.
func (h *SignalHandler) List(c *gin.Context) {
	f := database.SignalFilter{
		Date:   c.Query("date"),
		Ticker: models.NormalizeTicker(c.Query("ticker")),
		Limit:  limit(c, 100),
	}
	switch t := models.SignalType(strings.ToLower(c.Query("type"))); t {
	case "":
	case models.SignalTypeQuality, models.SignalTypeConsensus:
		f.SignalType = t
	default:
		badRequest(c, "type must be quality or consensus")
		return
	}
	sigs, err := h.signals.List(c.Request.Context(), f)
	if err != nil {
		fail(c, h.logger, "list_signals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": sigs, "count": len(sigs)})
}

func (h *SignalHandler) Get(c *gin.Context) {
	sig, err := h.signals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.logger, "get_signal", err)
		return
	}
	c.JSON(http.StatusOK, sig)
}
