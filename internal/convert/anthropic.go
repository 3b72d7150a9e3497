package convert

import (
	"encoding/json"
	"fmt"
)

// anthropicRequest mirrors BackendRequest but tolerates the system field
// arriving either as a string or as a list of text blocks.
type anthropicRequest struct {
	Model         string             `json:"model"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []BackendMessage   `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []BackendTool      `json:"tools,omitempty"`
	ToolChoice    *BackendToolChoice `json:"tool_choice,omitempty"`
}

// ParseAnthropicRequest decodes a messages-schema request body. The client
// schema matches the backend schema, so this is a structural parse plus
// system-field normalization; no semantic rewriting happens here.
func ParseAnthropicRequest(body []byte) (*BackendRequest, error) {
	var raw anthropicRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse messages request: %w", err)
	}

	req := &BackendRequest{
		Model:         raw.Model,
		Messages:      raw.Messages,
		MaxTokens:     raw.MaxTokens,
		Temperature:   raw.Temperature,
		TopP:          raw.TopP,
		StopSequences: raw.StopSequences,
		Stream:        raw.Stream,
		Tools:         raw.Tools,
		ToolChoice:    raw.ToolChoice,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	if len(raw.System) > 0 {
		var str string
		if err := json.Unmarshal(raw.System, &str); err == nil {
			req.System = str
		} else {
			var blocks []BackendBlock
			if err := json.Unmarshal(raw.System, &blocks); err == nil {
				for _, b := range blocks {
					if b.Type == "text" && b.Text != "" {
						if req.System != "" {
							req.System += "\n\n"
						}
						req.System += b.Text
					}
				}
			}
		}
	}

	return req, nil
}

// SanitizeHistory scrubs polluted transcript text and drops unreplayable
// thinking blocks before a request goes upstream. Tool blocks and valid
// thinking signatures pass through byte-exact.
func SanitizeHistory(req *BackendRequest) {
	messages := req.Messages[:0]
	for _, msg := range req.Messages {
		blocks := msg.Content[:0:0]
		for _, b := range SanitizeThinkingBlocks(msg.Content) {
			if b.Type == "text" {
				if text := ScrubText(b.Text); text != "" {
					b.Text = text
					blocks = append(blocks, b)
				}
				continue
			}
			blocks = append(blocks, b)
		}
		if len(blocks) > 0 {
			msg.Content = blocks
			messages = append(messages, msg)
		}
	}
	req.Messages = messages
}
