package agents

import (
	"regexp"
	"strings"
)

// MarkerKind identifies a special marker emitted by an agent.
type MarkerKind string

const (
	MarkerGoal          MarkerKind = "goal"
	MarkerGoalDone      MarkerKind = "goal_done"
	MarkerGoalFailed    MarkerKind = "goal_failed"
	MarkerCheckpoint    MarkerKind = "checkpoint"
	MarkerRequest       MarkerKind = "request"
	MarkerReviewRequest MarkerKind = "review_request"
	MarkerSpawn         MarkerKind = "spawn"
	MarkerWorkflow      MarkerKind = "workflow"
)

// Marker is one parsed special marker. Ref holds the goal number, agent id,
// or name depending on the kind; Text is the free text after the bracket.
type Marker struct {
	Kind MarkerKind
	Ref  string
	Text string
}

// markerLine matches a marker at the start of a line: [KIND] or [KIND:ref]
// followed by optional text.
var markerLine = regexp.MustCompile(`^\[([A-Z_]+)(?::([^\]]+))?\]\s*(.*)$`)

var markerKinds = map[string]MarkerKind{
	"GOAL":           MarkerGoal,
	"GOAL_DONE":      MarkerGoalDone,
	"GOAL_FAILED":    MarkerGoalFailed,
	"CHECKPOINT":     MarkerCheckpoint,
	"REQUEST":        MarkerRequest,
	"REVIEW_REQUEST": MarkerReviewRequest,
	"SPAWN":          MarkerSpawn,
	"WORKFLOW":       MarkerWorkflow,
}

// refRequired lists kinds whose bracket must carry a reference.
var refRequired = map[MarkerKind]bool{
	MarkerGoal:       true,
	MarkerGoalDone:   true,
	MarkerGoalFailed: true,
	MarkerCheckpoint: true,
	MarkerRequest:    true,
	MarkerSpawn:      true,
	MarkerWorkflow:   true,
}

// ScanMarkers extracts special markers from agent text, line by line, in
// source order. Lines that merely mention a bracket mid-sentence are not
// markers; the bracket must open the line.
func ScanMarkers(text string) []Marker {
	var markers []Marker
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		m := markerLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kind, ok := markerKinds[m[1]]
		if !ok {
			continue
		}
		ref := strings.TrimSpace(m[2])
		if refRequired[kind] && ref == "" {
			continue
		}
		if kind == MarkerReviewRequest && ref != "" {
			continue
		}
		markers = append(markers, Marker{
			Kind: kind,
			Ref:  ref,
			Text: strings.TrimSpace(m[3]),
		})
	}
	return markers
}
