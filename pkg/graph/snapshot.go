package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewline/foreman/pkg/models"
)

// NodeSnapshot captures the serializable execution state of one node.
type NodeSnapshot struct {
	Status       models.TaskStatus            `json:"status"`
	Attempt      int                          `json:"attempt"`
	Result       *string                      `json:"result,omitempty"`
	Error        *string                      `json:"error,omitempty"`
	BlockedBy    *string                      `json:"blocked_by,omitempty"`
	Artifacts    []string                     `json:"artifacts,omitempty"`
	StartedAt    *time.Time                   `json:"started_at,omitempty"`
	CompletedAt  *time.Time                   `json:"completed_at,omitempty"`
	Verification map[string]models.GateResult `json:"verification,omitempty"`
}

// Snapshot is the serializable state of a whole graph, keyed by task id.
type Snapshot struct {
	PlanID string                  `json:"plan_id"`
	Nodes  map[string]NodeSnapshot `json:"nodes"`
}

// Snapshot serializes every node's execution state plus the plan id.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &Snapshot{
		PlanID: g.planID,
		Nodes:  make(map[string]NodeSnapshot, len(g.nodes)),
	}
	for id, t := range g.nodes {
		node := NodeSnapshot{
			Status:      t.Status,
			Attempt:     t.Attempt,
			Result:      copyPtr(t.Result),
			Error:       copyPtr(t.Error),
			BlockedBy:   copyPtr(t.BlockedBy),
			StartedAt:   copyPtr(t.StartedAt),
			CompletedAt: copyPtr(t.CompletedAt),
		}
		if arts := g.artifacts[id]; len(arts) > 0 {
			node.Artifacts = append([]string{}, arts...)
		}
		if len(t.Verification) > 0 {
			node.Verification = make(map[string]models.GateResult, len(t.Verification))
			for k, v := range t.Verification {
				node.Verification[k] = v
			}
		}
		snap.Nodes[id] = node
	}
	return snap
}

// Restore applies a snapshot taken by Snapshot. Every snapshot node must
// exist in the graph. The ready-set is re-evaluated afterwards: nodes
// persisted as running roll back to ready with their attempt counters
// preserved.
func (g *Graph) Restore(snap *Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if snap.PlanID != g.planID {
		return fmt.Errorf("snapshot is for plan %q, graph is for plan %q", snap.PlanID, g.planID)
	}
	for id := range snap.Nodes {
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("restore: %w: %s", ErrUnknownTask, id)
		}
	}

	for id, node := range snap.Nodes {
		t := g.nodes[id]
		t.Status = node.Status
		t.Attempt = node.Attempt
		t.Result = copyPtr(node.Result)
		t.Error = copyPtr(node.Error)
		t.BlockedBy = copyPtr(node.BlockedBy)
		t.StartedAt = copyPtr(node.StartedAt)
		t.CompletedAt = copyPtr(node.CompletedAt)
		if len(node.Artifacts) > 0 {
			g.artifacts[id] = append([]string{}, node.Artifacts...)
		} else {
			delete(g.artifacts, id)
		}
		if len(node.Verification) > 0 {
			t.Verification = make(map[string]models.GateResult, len(node.Verification))
			for k, v := range node.Verification {
				t.Verification[k] = v
			}
		} else {
			t.Verification = nil
		}
	}

	g.reconcileLocked()
	return nil
}

// Document renders the snapshot as a generic JSON document, the shape the
// runs table stores in its graph_snapshot column.
func (snap *Snapshot) Document() (map[string]any, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SnapshotFromDocument decodes a stored graph_snapshot document.
func SnapshotFromDocument(doc map[string]any) (*Snapshot, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
