package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewline/foreman/pkg/services"
)

// respondError writes a JSON error body with the given status.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondServiceError maps service-layer errors to HTTP error responses.
func respondServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		respondError(c, http.StatusBadRequest, validErr.Error())
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		respondError(c, http.StatusNotFound, "resource not found")
		return
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		respondError(c, http.StatusConflict, "run state changed concurrently, re-read and retry")
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		respondError(c, http.StatusConflict, "resource already exists")
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	respondError(c, http.StatusInternalServerError, "internal server error")
}
