// Package convert maps request and response bodies between the two
// client-facing schemas and the backend messages schema.
package convert

import "encoding/json"

// Schema tags the client-facing wire format of a request. It is decided once
// at the handler boundary and threaded through, never re-sniffed.
type Schema int

const (
	SchemaOpenAI Schema = iota
	SchemaAnthropic
)

func (s Schema) String() string {
	if s == SchemaAnthropic {
		return "anthropic"
	}
	return "openai"
}

// Backend messages schema. This is the wire format of the upstream model
// service; the Anthropic-shaped client schema is structurally identical.

type BackendRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []BackendMessage   `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []BackendTool      `json:"tools,omitempty"`
	ToolChoice    *BackendToolChoice `json:"tool_choice,omitempty"`
}

type BackendMessage struct {
	Role    string         `json:"role"`
	Content []BackendBlock `json:"content"`
}

// UnmarshalJSON accepts both the string shorthand and the block-list form for
// message content.
func (m *BackendMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Role = a.Role

	var str string
	if err := json.Unmarshal(a.Content, &str); err == nil {
		m.Content = []BackendBlock{{Type: "text", Text: str}}
		return nil
	}

	return json.Unmarshal(a.Content, &m.Content)
}

// BackendBlock is one content block. Type selects which fields are set:
// text, thinking (+signature), tool_use (id/name/input), tool_result
// (tool_use_id/result).
type BackendBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Result    json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type BackendTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// BackendToolChoice type is one of "auto", "none", "any", or "tool" with a
// name.
type BackendToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type BackendResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []BackendBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        BackendUsage   `json:"usage"`
}

type BackendUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Backend streaming events, one per SSE frame.

const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

type BackendStreamEvent struct {
	Type         string             `json:"type"`
	Message      *BackendResponse   `json:"message,omitempty"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *BackendBlock      `json:"content_block,omitempty"`
	Delta        *BackendEventDelta `json:"delta,omitempty"`
	Usage        *BackendUsage      `json:"usage,omitempty"`
}

// BackendEventDelta carries the incremental payload of a delta event. Type is
// one of text_delta, input_json_delta, thinking_delta, signature_delta; on
// message_delta events only StopReason is set.
type BackendEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// stopReasonToFinish is the fixed backend→client stop reason table.
var stopReasonToFinish = map[string]string{
	"end_turn":      "stop",
	"max_tokens":    "length",
	"stop_sequence": "stop",
	"tool_use":      "tool_calls",
}

// FinishReason maps a backend stop reason to the client finish reason;
// unknown reasons map to "stop".
func FinishReason(stopReason string) string {
	if fr, ok := stopReasonToFinish[stopReason]; ok {
		return fr
	}
	return "stop"
}
