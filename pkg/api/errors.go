package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/hil"
)

// respondError writes the uniform error envelope.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondStoreError maps storage-layer errors to HTTP responses.
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		respondError(c, http.StatusNotFound, "resource not found")
	case errors.Is(err, hil.ErrNoPendingReview):
		respondError(c, http.StatusNotFound, "no pending review for this investigation")
	case errors.Is(err, hil.ErrAlreadyDecided):
		respondError(c, http.StatusConflict, "review already decided")
	default:
		slog.Error("unexpected storage error", "error", err)
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}
