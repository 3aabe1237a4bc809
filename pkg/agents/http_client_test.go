package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectChunks(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("stream never completed")
		}
	}
}

func TestHTTPAgent_ChatStreamsChunks(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("User-Agent"), "foreman/")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"thinking\",\"content\":\"hmm\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"text\",\"content\":\"hello\"}\n\n")
		fmt.Fprint(w, ": comment line ignored\n")
		fmt.Fprint(w, "data: not json at all\n\n")
		fmt.Fprint(w, "data: {\"type\":\"tool_call\",\"call_id\":\"c1\",\"name\":\"shell\",\"arguments\":\"{}\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"usage\",\"input_tokens\":10,\"output_tokens\":20,\"total_tokens\":30}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	agent := NewHTTPAgent("coder", "default-model", BackendConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
	})
	assert.Equal(t, "coder", agent.ID())

	model := "big-model"
	ch, err := agent.Chat(context.Background(), []Message{
		{Role: "system", Content: "you write Go"},
		{Role: "user", Content: "do the task"},
	}, ChatOptions{Model: &model})
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 5, "undecodable payload is skipped")

	assert.Equal(t, &ThinkingChunk{Content: "hmm"}, chunks[0])
	assert.Equal(t, &TextChunk{Content: "hello"}, chunks[1])
	assert.Equal(t, &ToolCallChunk{CallID: "c1", Name: "shell", Arguments: "{}"}, chunks[2])
	assert.Equal(t, &UsageChunk{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}, chunks[3])
	assert.Equal(t, &DoneChunk{}, chunks[4])

	assert.Equal(t, "coder", gotReq.AgentID)
	assert.Equal(t, "big-model", gotReq.Model, "per-call model override wins")
	assert.True(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 2)
}

func TestHTTPAgent_ChatDefaultModel(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	agent := NewHTTPAgent("tester", "default-model", BackendConfig{BaseURL: server.URL})
	ch, err := agent.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, ChatOptions{})
	require.NoError(t, err)
	collectChunks(t, ch)

	assert.Equal(t, "default-model", gotReq.Model)
}

func TestHTTPAgent_ChatErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is overloaded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	agent := NewHTTPAgent("coder", "m", BackendConfig{BaseURL: server.URL})
	_, err := agent.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, ChatOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "model is overloaded")
}

func TestHTTPAgent_ErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\",\"message\":\"backend exploded\",\"retryable\":true}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	agent := NewHTTPAgent("coder", "m", BackendConfig{BaseURL: server.URL})
	ch, err := agent.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, ChatOptions{})
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 2)
	errChunk, ok := chunks[0].(*ErrorChunk)
	require.True(t, ok)
	assert.Equal(t, "backend exploded", errChunk.Message)
	assert.True(t, errChunk.Retryable)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewHTTPAgent("coder", "m", BackendConfig{BaseURL: "http://localhost:0"}))
	r.Register(NewHTTPAgent("reviewer", "m", BackendConfig{BaseURL: "http://localhost:0"}))

	a, err := r.Get("coder")
	require.NoError(t, err)
	assert.Equal(t, "coder", a.ID())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	assert.True(t, r.Has("reviewer"))
	assert.False(t, r.Has("nope"))
	assert.Equal(t, []string{"coder", "reviewer"}, r.IDs())
}
