package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/crewline/foreman/pkg/services"
)

func TestRespondServiceError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "validation error maps to 400",
			err:        services.NewValidationError("prompt", "required"),
			wantStatus: http.StatusBadRequest,
			wantBody:   "prompt",
		},
		{
			name:       "wrapped not found maps to 404",
			err:        fmt.Errorf("run abc: %w", services.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantBody:   "resource not found",
		},
		{
			name:       "concurrent modification maps to 409",
			err:        services.ErrConcurrentModification,
			wantStatus: http.StatusConflict,
			wantBody:   "re-read and retry",
		},
		{
			name:       "already exists maps to 409",
			err:        services.ErrAlreadyExists,
			wantStatus: http.StatusConflict,
			wantBody:   "resource already exists",
		},
		{
			name:       "unknown error maps to 500 without leaking details",
			err:        errors.New("pq: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			respondServiceError(c, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}

	t.Run("internal errors never echo the cause", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		respondServiceError(c, errors.New("password=hunter2 host=db.internal"))

		assert.NotContains(t, rec.Body.String(), "hunter2")
	})
}
