package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/database"
	"go.uber.org/zap"
)

type AuthorHandler struct {
	authors *database.AuthorTrustRepository
	logger  *zap.Logger
}

func NewAuthorHandler(authors *database.AuthorTrustRepository, logger *zap.Logger) *AuthorHandler {
	return &AuthorHandler{authors: authors, logger: nopIfNil(logger)}
}

// List returns authors by descending trust.
func (h *AuthorHandler) List(c *gin.Context) {
	authors, err := h.authors.List(c.Request.Context(), limit(c, 100))
	if err != nil {
		fail(c, h.logger, "list_authors", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authors": authors, "count": len(authors)})
}

func (h *AuthorHandler) Get(c *gin.Context) {
	a, err := h.authors.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.logger, "get_author", err)
		return
	}
	c.JSON(http.StatusOK, a)
}
