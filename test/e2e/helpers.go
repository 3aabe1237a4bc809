package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/models"
)

// scriptedAgent replays canned responses in call order; the last script
// repeats once the list is exhausted. The last message of every call is
// recorded so tests can assert on the prompts the engine built.
type scriptedAgent struct {
	id string

	mu      sync.Mutex
	scripts []string
	calls   int
	prompts []string
}

func newScriptedAgent(id string, scripts ...string) *scriptedAgent {
	return &scriptedAgent{id: id, scripts: scripts}
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) Chat(_ context.Context, messages []agents.Message, _ agents.ChatOptions) (<-chan agents.Chunk, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	if idx >= len(a.scripts) {
		idx = len(a.scripts) - 1
	}
	text := a.scripts[idx]
	if len(messages) > 0 {
		a.prompts = append(a.prompts, messages[len(messages)-1].Content)
	}
	a.mu.Unlock()

	ch := make(chan agents.Chunk, 2)
	ch <- &agents.TextChunk{Content: text}
	ch <- &agents.DoneChunk{}
	close(ch)
	return ch, nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedAgent) prompt(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.prompts) {
		return ""
	}
	return a.prompts[i]
}

// blockingAgent parks every call until release is closed or the caller's
// context ends, signalling started once a call is parked.
type blockingAgent struct {
	id      string
	text    string
	release chan struct{}
	started chan struct{}
}

func newBlockingAgent(id, text string) *blockingAgent {
	return &blockingAgent{
		id:      id,
		text:    text,
		release: make(chan struct{}),
		started: make(chan struct{}, 8),
	}
}

func (a *blockingAgent) ID() string { return a.id }

func (a *blockingAgent) Chat(ctx context.Context, _ []agents.Message, _ agents.ChatOptions) (<-chan agents.Chunk, error) {
	select {
	case a.started <- struct{}{}:
	default:
	}
	ch := make(chan agents.Chunk, 2)
	go func() {
		defer close(ch)
		select {
		case <-a.release:
			ch <- &agents.TextChunk{Content: a.text}
			ch <- &agents.DoneChunk{}
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// runStream consumes one SSE response body, collecting the decoded frames
// until the server writes the [DONE] sentinel or the body closes.
type runStream struct {
	mu     sync.Mutex
	frames []map[string]any
	done   chan struct{}
}

func (s *runStream) consume(body *bufio.Scanner) {
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			close(s.done)
			return
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		s.mu.Unlock()
	}
}

func (s *runStream) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		if t, ok := f["type"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *runStream) framesOfType(eventType string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames {
		if t, _ := f["type"].(string); t == eventType {
			out = append(out, f)
		}
	}
	return out
}

func (s *runStream) awaitDone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(timeout):
		t.Fatalf("run stream did not terminate within %s; saw %v", timeout, s.types())
	}
}

// startRun submits a run through POST /api/v1/start and tails its SSE
// stream. The body blocks until the first frame flushes, so by the time this
// returns, the X-Run-ID header has been read off a live stream.
func startRun(t *testing.T, app *TestApp, body string) (string, *runStream) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, app.Server.URL+"/api/v1/start", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	runID := resp.Header.Get("X-Run-ID")
	require.NotEmpty(t, runID, "X-Run-ID header missing on the start response")

	stream := &runStream{done: make(chan struct{})}
	go func() {
		defer resp.Body.Close()
		stream.consume(bufio.NewScanner(resp.Body))
	}()
	t.Cleanup(func() { resp.Body.Close() })

	return runID, stream
}

// runDetail fetches GET /api/v1/projects/:id.
func runDetail(t *testing.T, app *TestApp, runID string) *models.RunDetailResponse {
	t.Helper()
	resp, err := app.Server.Client().Get(app.Server.URL + "/api/v1/projects/" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail models.RunDetailResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	return &detail
}

func taskByTitle(t *testing.T, tasks []*models.Task, title string) *models.Task {
	t.Helper()
	for _, task := range tasks {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("no task titled %q", title)
	return nil
}

// requireSubsequence asserts that want appears within got in order, ignoring
// entries in between.
func requireSubsequence(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "wanted subsequence %v in %v", want, got)
}

// awaitCondition polls until condition returns true or the timeout elapses.
func awaitCondition(t *testing.T, timeout, interval time.Duration, msg string, condition func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out: %s", msg)
		default:
			if condition() {
				return
			}
			time.Sleep(interval)
		}
	}
}
