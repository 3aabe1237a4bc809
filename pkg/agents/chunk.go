package agents

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
	ChunkTypeDone     ChunkType = "done"
)

// TextChunk is a chunk of the agent's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a chunk of the agent's internal reasoning. The engine
// suppresses these before interpretation.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals a backend-separated tool invocation.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this exchange.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals an error from the agent backend.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

// DoneChunk marks the end of a successful stream.
type DoneChunk struct{}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
func (c *DoneChunk) chunkType() ChunkType     { return ChunkTypeDone }
