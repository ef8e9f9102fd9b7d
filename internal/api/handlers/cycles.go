package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// CycleTrigger starts a cycle in the background.
type CycleTrigger interface {
	Trigger(kind models.CycleKind, trigger string) (*models.CycleRun, error)
}

type CycleHandler struct {
	cycles  *database.CycleRepository
	trigger CycleTrigger
	logger  *zap.Logger
}

func NewCycleHandler(cycles *database.CycleRepository, trigger CycleTrigger, logger *zap.Logger) *CycleHandler {
	return &CycleHandler{cycles: cycles, trigger: trigger, logger: nopIfNil(logger)}
}

type TriggerRequest struct {
	Kind models.CycleKind `json:"kind"`
}

// Trigger answers 202 with the new cycle row, or 409 while another cycle runs.
func (h *CycleHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid body")
			return
		}
	}
	if req.Kind == "" {
		req.Kind = models.CycleFull
	}
	if req.Kind != models.CycleFull && req.Kind != models.CycleMonitor {
		badRequest(c, "kind must be full or monitor")
		return
	}
	run, err := h.trigger.Trigger(req.Kind, "api")
	if err != nil {
		fail(c, h.logger, "trigger_cycle", err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// Latest accepts ?kind= to restrict to one cycle kind.
func (h *CycleHandler) Latest(c *gin.Context) {
	run, err := h.cycles.Latest(c.Request.Context(), models.CycleKind(c.Query("kind")))
	if err != nil {
		fail(c, h.logger, "latest_cycle", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *CycleHandler) Get(c *gin.Context) {
	run, err := h.cycles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.logger, "get_cycle", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *CycleHandler) List(c *gin.Context) {
	runs, err := h.cycles.List(c.Request.Context(), limit(c, 20))
	if err != nil {
		fail(c, h.logger, "list_cycles", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": runs})
}
