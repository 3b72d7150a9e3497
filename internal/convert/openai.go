package convert

import (
	"encoding/json"
	"log"
	"strings"
	"time"
)

// OpenAI chat-completions schema.

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"` // "none"|"auto"|"required" or named-function object
}

type OpenAITool struct {
	Type     string             `json:"type"` // "function"
	Function *OpenAIFunctionDef `json:"function,omitempty"`
}

type OpenAIFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON accepts both string content and the multimodal array form.
func (m *OpenAIMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string           `json:"role"`
		Content    json.RawMessage  `json:"content"`
		ToolCalls  []OpenAIToolCall `json:"tool_calls"`
		ToolCallID string           `json:"tool_call_id"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Role = a.Role
	m.ToolCalls = a.ToolCalls
	m.ToolCallID = a.ToolCallID

	if len(a.Content) == 0 || string(a.Content) == "null" {
		return nil
	}

	var str string
	if err := json.Unmarshal(a.Content, &str); err == nil {
		m.Content = str
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(a.Content, &parts); err == nil {
		var texts []string
		for _, part := range parts {
			if part.Type == "text" && part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
		m.Content = strings.Join(texts, "\n")
		return nil
	}

	m.Content = string(a.Content)
	return nil
}

type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIDelta   `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

// OpenAIDelta is the incremental message fragment in a streaming chunk.
type OpenAIDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIStreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
}

const defaultMaxTokens = 8192

// OpenAIToBackend converts a chat-completions request into the backend
// messages schema. System turns merge into the single system field; tool
// call and tool result turns become the corresponding block types; free text
// is scrubbed of pollution markers.
func OpenAIToBackend(req OpenAIChatRequest) *BackendRequest {
	out := &BackendRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case "tool":
			// Tool result turns land on the user role in the backend schema.
			result, _ := json.Marshal(msg.Content)
			out.Messages = append(out.Messages, BackendMessage{
				Role: "user",
				Content: []BackendBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Result:    result,
				}},
			})

		case "assistant":
			var blocks []BackendBlock
			if text := ScrubText(msg.Content); text != "" {
				blocks = append(blocks, BackendBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, BackendBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: parseToolArguments(tc.Function.Name, tc.Function.Arguments),
				})
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, BackendMessage{Role: "assistant", Content: blocks})
			}

		default: // user
			if text := ScrubText(msg.Content); text != "" {
				out.Messages = append(out.Messages, BackendMessage{
					Role:    "user",
					Content: []BackendBlock{{Type: "text", Text: text}},
				})
			}
		}
	}
	out.System = strings.Join(systemParts, "\n\n")

	for _, tool := range req.Tools {
		if tool.Type != "function" || tool.Function == nil {
			continue
		}
		out.Tools = append(out.Tools, BackendTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	out.ToolChoice = translateToolChoice(req.ToolChoice)

	return out
}

// parseToolArguments parses a tool call's argument payload. Malformed
// payloads degrade to an empty structure rather than failing the request.
func parseToolArguments(name, arguments string) map[string]any {
	if strings.TrimSpace(arguments) == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		log.Printf("⚠️ Malformed tool arguments for %s, substituting empty object: %v", name, err)
		return map[string]any{}
	}
	return input
}

func translateToolChoice(choice any) *BackendToolChoice {
	switch c := choice.(type) {
	case string:
		switch c {
		case "none":
			return &BackendToolChoice{Type: "none"}
		case "auto":
			return &BackendToolChoice{Type: "auto"}
		case "required":
			return &BackendToolChoice{Type: "any"}
		}
	case map[string]any:
		if fn, ok := c["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				return &BackendToolChoice{Type: "tool", Name: name}
			}
		}
	}
	return nil
}

// BackendToOpenAI converts a complete backend response into a chat-completions
// response. Text blocks concatenate into one message; tool_use blocks become
// tool call records; thinking blocks have no representation here and are
// omitted.
func BackendToOpenAI(resp *BackendResponse, model string) OpenAIChatResponse {
	var text strings.Builder
	var toolCalls []OpenAIToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := "{}"
			if block.Input != nil {
				if b, err := json.Marshal(block.Input); err == nil {
					args = string(b)
				}
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: OpenAIFunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	finish := FinishReason(resp.StopReason)
	msg := &OpenAIMessage{Role: "assistant", Content: text.String(), ToolCalls: toolCalls}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + time.Now().Format("20060102150405")
	}

	return OpenAIChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: &finish,
		}},
		Usage: &OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
