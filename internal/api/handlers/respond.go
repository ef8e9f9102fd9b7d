package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/middleware"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/services/cycle"
	"go.uber.org/zap"
)

// fail maps domain errors onto HTTP statuses. Anything unrecognised is a 500 and is reported.
func fail(c *gin.Context, logger *zap.Logger, operation string, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, cycle.ErrCycleInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrPositionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed", zap.String("operation", operation), zap.Error(err))
		middleware.RecordError(c, err, operation)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// limit reads ?limit=, falling back to def on absence or garbage.
func limit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
