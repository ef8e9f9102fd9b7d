package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/ingest"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// CommentAcceptor stores pushed comments for the next full cycle.
type CommentAcceptor interface {
	Accept(ctx context.Context, comments []models.AnnotatedComment) (ingest.Result, error)
}

type CommentHandler struct {
	inbox    CommentAcceptor
	maxBatch int
	logger   *zap.Logger
}

func NewCommentHandler(inbox CommentAcceptor, maxBatch int, logger *zap.Logger) *CommentHandler {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &CommentHandler{inbox: inbox, maxBatch: maxBatch, logger: nopIfNil(logger)}
}

type IngestRequest struct {
	Comments []models.AnnotatedComment `json:"comments" binding:"required"`
}

// Ingest accepts a batch; malformed comments are counted as rejected, not failed.
func (h *CommentHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body must be {\"comments\": [...]}")
		return
	}
	if len(req.Comments) > h.maxBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large", "max": h.maxBatch})
		return
	}
	res, err := h.inbox.Accept(c.Request.Context(), req.Comments)
	if err != nil {
		fail(c, h.logger, "ingest_comments", err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}
