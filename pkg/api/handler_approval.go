package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewline/foreman/pkg/approval"
	"github.com/crewline/foreman/pkg/models"
)

// listApprovalsHandler handles GET /api/v1/approvals. The optional status
// query narrows the list; by default it includes resolved approvals so an
// operator can audit recent decisions.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	if s.approvals == nil {
		respondError(c, http.StatusServiceUnavailable, "approvals are not available")
		return
	}

	status := models.ApprovalStatus(c.Query("status"))
	switch status {
	case "", models.ApprovalPending, models.ApprovalApproved,
		models.ApprovalRejected, models.ApprovalExpired:
	default:
		respondError(c, http.StatusBadRequest, "invalid status: "+string(status))
		return
	}

	c.JSON(http.StatusOK, &ApprovalListResponse{Approvals: s.approvals.List(status)})
}

// approveApprovalHandler handles POST /api/v1/approvals/:id/approve. The
// decision wakes the agent blocked on this approval; the approved content
// hash is re-verified at write time, so a stale approval cannot authorize
// changed content.
func (s *Server) approveApprovalHandler(c *gin.Context) {
	s.resolveApproval(c, true)
}

// rejectApprovalHandler handles POST /api/v1/approvals/:id/reject.
func (s *Server) rejectApprovalHandler(c *gin.Context) {
	s.resolveApproval(c, false)
}

func (s *Server) resolveApproval(c *gin.Context, approve bool) {
	if s.approvals == nil {
		respondError(c, http.StatusServiceUnavailable, "approvals are not available")
		return
	}
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "approval id is required")
		return
	}

	var req ApprovalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	note := req.Note
	if note == "" {
		if approve {
			note = "approved by " + extractAuthor(c)
		} else {
			note = "rejected by " + extractAuthor(c)
		}
	}

	var err error
	if approve {
		err = s.approvals.Approve(id, note)
	} else {
		err = s.approvals.Reject(id, note)
	}
	switch {
	case err == nil:
	case errors.Is(err, approval.ErrNotFound):
		respondError(c, http.StatusNotFound, "resource not found")
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		respondError(c, http.StatusConflict, err.Error())
		return
	default:
		slog.Error("Failed to resolve approval", "approval_id", id, "error", err)
		respondError(c, http.StatusInternalServerError, "internal server error")
		return
	}

	rec, err := s.approvals.Get(id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	c.JSON(http.StatusOK, rec)
}
