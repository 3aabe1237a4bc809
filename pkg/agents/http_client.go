package agents

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crewline/foreman/pkg/version"
)

// chatChannelBuffer is the chunk channel capacity. A small buffer absorbs
// bursts without letting a stalled consumer pile up unbounded memory.
const chatChannelBuffer = 32

// doneSentinel terminates an SSE chunk stream.
const doneSentinel = "[DONE]"

// BackendConfig locates the agent-runner service.
type BackendConfig struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration // dial/header timeout; streams themselves run on ctx
}

// HTTPAgent talks to one configured agent on the agent-runner service over
// HTTP + SSE.
type HTTPAgent struct {
	id         string
	model      string
	cfg        BackendConfig
	httpClient *http.Client
}

// NewHTTPAgent creates an agent client. model is the role's default model;
// per-call options may override it.
func NewHTTPAgent(id, model string, cfg BackendConfig) *HTTPAgent {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &HTTPAgent{
		id:    id,
		model: model,
		cfg:   cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}
}

// ID returns the agent identifier.
func (a *HTTPAgent) ID() string { return a.id }

// chatRequest is the wire request body.
type chatRequest struct {
	AgentID     string    `json:"agent_id"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// wireChunk is the wire representation of one SSE data payload.
type wireChunk struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`

	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Chat POSTs the conversation and streams chunks until the [DONE] sentinel.
func (a *HTTPAgent) Chat(ctx context.Context, messages []Message, opts ChatOptions) (<-chan Chunk, error) {
	model := a.model
	if opts.Model != nil && *opts.Model != "" {
		model = *opts.Model
	}
	body, err := json.Marshal(chatRequest{
		AgentID:     a.id,
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", version.Full())
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent backend request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("agent backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	ch := make(chan Chunk, chatChannelBuffer)
	go a.consumeStream(ctx, resp.Body, ch)
	return ch, nil
}

func (a *HTTPAgent) consumeStream(ctx context.Context, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	send := func(c Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			send(&DoneChunk{})
			return
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(payload), &wc); err != nil {
			slog.Debug("Skipping undecodable stream chunk", "agent", a.id, "error", err)
			continue
		}
		chunk := wc.toChunk()
		if chunk == nil {
			continue
		}
		if !send(chunk) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(&ErrorChunk{Message: fmt.Sprintf("stream read failed: %v", err), Retryable: true})
	}
}

func (wc *wireChunk) toChunk() Chunk {
	switch wc.Type {
	case "text":
		return &TextChunk{Content: wc.Content}
	case "thinking":
		return &ThinkingChunk{Content: wc.Content}
	case "tool_call":
		return &ToolCallChunk{CallID: wc.CallID, Name: wc.Name, Arguments: wc.Arguments}
	case "usage":
		return &UsageChunk{
			InputTokens:  wc.InputTokens,
			OutputTokens: wc.OutputTokens,
			TotalTokens:  wc.TotalTokens,
		}
	case "error":
		return &ErrorChunk{Message: wc.Message, Code: wc.Code, Retryable: wc.Retryable}
	case "done":
		return &DoneChunk{}
	default:
		return nil
	}
}
