package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/models"
)

type recordingNotifier struct {
	mu        sync.Mutex
	requested []models.PendingApproval
	resolved  []models.PendingApproval
}

func (n *recordingNotifier) ApprovalRequested(_ context.Context, rec models.PendingApproval) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested = append(n.requested, rec)
}

func (n *recordingNotifier) ApprovalResolved(_ context.Context, rec models.PendingApproval) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, rec)
}

type waitResult struct {
	rec models.PendingApproval
	err error
}

// startRequest runs RequestAndWait in the background and returns the result
// channel plus the pending approval's ID once it is visible.
func startRequest(t *testing.T, m *Manager, req Request) (chan waitResult, string) {
	t.Helper()
	results := make(chan waitResult, 1)
	go func() {
		rec, err := m.RequestAndWait(context.Background(), req)
		results <- waitResult{rec: rec, err: err}
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := m.List(models.ApprovalPending)
		if len(pending) != 1 {
			return false
		}
		id = pending[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond, "pending approval never registered")
	return results, id
}

func TestManager_ApproveUnblocksRequester(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewManager(time.Minute, notifier, nil)

	results, id := startRequest(t, m, Request{
		SessionID:  "s1",
		Agent:      "coder",
		Action:     models.ActionWrite,
		Target:     "cmd/main.go",
		OldContent: "package main\n",
		NewContent: "package main\n\nfunc main() {}\n",
	})

	require.NoError(t, m.Approve(id, "looks right"))

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, models.ApprovalApproved, res.rec.Status)
	assert.Equal(t, "looks right", res.rec.ApproverNote)
	assert.NotEmpty(t, res.rec.ContentHash)
	assert.Contains(t, res.rec.Diff, "--- a/cmd/main.go")
	assert.Contains(t, res.rec.Diff, "+++ b/cmd/main.go")
	assert.NotNil(t, res.rec.ResolvedAt)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.requested, 1)
	require.Len(t, notifier.resolved, 1)
	assert.Equal(t, models.ApprovalPending, notifier.requested[0].Status)
	assert.Equal(t, models.ApprovalApproved, notifier.resolved[0].Status)
}

func TestManager_RejectFailsRequester(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)

	results, id := startRequest(t, m, Request{
		SessionID:  "s1",
		Agent:      "coder",
		Action:     models.ActionDelete,
		Target:     "legacy/db.go",
		OldContent: "content",
	})

	require.NoError(t, m.Reject(id, "keep it"))

	res := <-results
	require.ErrorIs(t, res.err, ErrRejected)
	assert.Equal(t, models.ApprovalRejected, res.rec.Status)
	assert.Equal(t, "keep it", res.rec.ApproverNote)
}

func TestManager_TimeoutExpires(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)

	start := time.Now()
	rec, err := m.RequestAndWait(context.Background(), Request{
		SessionID:  "s1",
		Agent:      "coder",
		Action:     models.ActionShell,
		Target:     "rm -rf build",
		NewContent: "rm -rf build",
		Timeout:    30 * time.Millisecond,
	})

	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, models.ApprovalExpired, rec.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestManager_ContextCancelAbortsWait(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan waitResult, 1)
	go func() {
		rec, err := m.RequestAndWait(ctx, Request{
			SessionID: "s1", Agent: "coder",
			Action: models.ActionWrite, Target: "a.go", NewContent: "x",
		})
		results <- waitResult{rec: rec, err: err}
	}()

	require.Eventually(t, func() bool {
		return len(m.List(models.ApprovalPending)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	res := <-results
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, models.ApprovalExpired, res.rec.Status)
}

func TestManager_ResolutionErrors(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)

	assert.ErrorIs(t, m.Approve("missing", ""), ErrNotFound)

	results, id := startRequest(t, m, Request{
		SessionID: "s1", Agent: "coder",
		Action: models.ActionWrite, Target: "a.go", NewContent: "x",
	})
	require.NoError(t, m.Approve(id, ""))
	<-results

	assert.ErrorIs(t, m.Approve(id, ""), ErrAlreadyResolved)
	assert.ErrorIs(t, m.Reject(id, ""), ErrAlreadyResolved)
}

func TestManager_VerifyApproved(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)

	results, id := startRequest(t, m, Request{
		SessionID: "s1", Agent: "coder",
		Action: models.ActionWrite, Target: "a.go", NewContent: "approved content",
	})
	require.NoError(t, m.Approve(id, ""))
	<-results

	assert.NoError(t, m.VerifyApproved(id, "approved content"))
	assert.ErrorIs(t, m.VerifyApproved(id, "tampered content"), ErrContentMismatch)
	assert.ErrorIs(t, m.VerifyApproved("missing", "x"), ErrNotFound)
}

func TestManager_VerifyRejectedFailsClosed(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)

	results, id := startRequest(t, m, Request{
		SessionID: "s1", Agent: "coder",
		Action: models.ActionWrite, Target: "a.go", NewContent: "x",
	})
	require.NoError(t, m.Reject(id, "no"))
	<-results

	assert.ErrorIs(t, m.VerifyApproved(id, "x"), ErrRejected,
		"hash match alone must not allow execution")
}

func TestManager_ListFiltersAndOrders(t *testing.T) {
	m := NewManager(time.Minute, nil, nil)

	first, id1 := startRequest(t, m, Request{
		SessionID: "s1", Agent: "coder",
		Action: models.ActionWrite, Target: "one.go", NewContent: "1",
	})
	require.NoError(t, m.Approve(id1, ""))
	<-first

	second := make(chan waitResult, 1)
	go func() {
		rec, err := m.RequestAndWait(context.Background(), Request{
			SessionID: "s1", Agent: "coder",
			Action: models.ActionWrite, Target: "two.go", NewContent: "2",
		})
		second <- waitResult{rec: rec, err: err}
	}()
	require.Eventually(t, func() bool {
		return len(m.List(models.ApprovalPending)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	all := m.List("")
	require.Len(t, all, 2)
	pendingOnly := m.List(models.ApprovalPending)
	require.Len(t, pendingOnly, 1)
	assert.Equal(t, "two.go", pendingOnly[0].Target)

	require.NoError(t, m.Approve(pendingOnly[0].ID, ""))
	<-second
}

