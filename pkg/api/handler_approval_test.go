package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/approval"
	"github.com/crewline/foreman/pkg/models"
)

// startPendingApproval blocks a requester on a fresh approval and returns its
// id once it is visible in the manager.
func startPendingApproval(t *testing.T, mgr *approval.Manager) (string, <-chan error) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		_, err := mgr.RequestAndWait(context.Background(), approval.Request{
			SessionID:  "sess-1",
			Agent:      "builder",
			Action:     models.ActionWrite,
			Target:     "cmd/main.go",
			OldContent: "package main\n",
			NewContent: "package main\n\nfunc main() {}\n",
			Timeout:    time.Minute,
		})
		done <- err
	}()

	var id string
	require.Eventually(t, func() bool {
		pendings := mgr.List(models.ApprovalPending)
		if len(pendings) == 0 {
			return false
		}
		id = pendings[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond, "approval should become visible")

	return id, done
}

func TestApprovalApproveOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mgr := approval.NewManager(time.Minute, nil, nil)
	s := newValidationServer()
	s.SetApprovalManager(mgr)
	router := s.Handler()

	id, done := startPendingApproval(t, mgr)

	// The pending approval shows up on the list endpoint with its diff.
	rec := doJSON(t, router, http.MethodGet, "/api/v1/approvals?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ApprovalListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Approvals, 1)
	assert.Equal(t, id, list.Approvals[0].ID)
	assert.Contains(t, list.Approvals[0].Diff, "--- a/cmd/main.go")
	assert.Contains(t, list.Approvals[0].Diff, "func main")

	// Approving resolves the record and unblocks the requester.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/approvals/"+id+"/approve", `{"note":"ship it"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved models.PendingApproval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, models.ApprovalApproved, resolved.Status)
	assert.Equal(t, "ship it", resolved.ApproverNote)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("requester did not unblock after approval")
	}

	// A second decision on the same approval conflicts.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/approvals/"+id+"/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovalRejectOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mgr := approval.NewManager(time.Minute, nil, nil)
	s := newValidationServer()
	s.SetApprovalManager(mgr)
	router := s.Handler()

	id, done := startPendingApproval(t, mgr)

	// An empty body attributes the decision to the proxy identity headers.
	req := doJSONRequest(http.MethodPost, "/api/v1/approvals/"+id+"/reject", "")
	req.Header.Set("X-Forwarded-User", "carol")
	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved models.PendingApproval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, models.ApprovalRejected, resolved.Status)
	assert.Equal(t, "rejected by carol", resolved.ApproverNote)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, approval.ErrRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("requester did not unblock after rejection")
	}
}

func TestApprovalDecisionUnknownID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	s := newValidationServer()
	s.SetApprovalManager(approval.NewManager(time.Minute, nil, nil))
	router := s.Handler()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/approvals/nope/approve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalListStatusValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	s := newValidationServer()
	s.SetApprovalManager(approval.NewManager(time.Minute, nil, nil))
	router := s.Handler()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/approvals?status=sideways", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
