package convert

import (
	"strings"
	"testing"
)

func TestParseAnthropicRequest_SystemForms(t *testing.T) {
	// 1. String system field
	req, err := ParseAnthropicRequest([]byte(`{
		"model": "relay-large",
		"system": "Be terse.",
		"messages": [{"role": "user", "content": "hi"}],
		"max_tokens": 100
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.System != "Be terse." {
		t.Errorf("string system mismatch: %q", req.System)
	}
	if req.MaxTokens != 100 {
		t.Errorf("max tokens mismatch: %d", req.MaxTokens)
	}

	// 2. Block-array system field joins text blocks
	req, err = ParseAnthropicRequest([]byte(`{
		"model": "relay-large",
		"system": [{"type":"text","text":"One."},{"type":"text","text":"Two."}],
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.System != "One.\n\nTwo." {
		t.Errorf("block system mismatch: %q", req.System)
	}

	// 3. Omitted max_tokens gets the default
	if req.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", req.MaxTokens)
	}
}

func TestParseAnthropicRequest_StringContentShorthand(t *testing.T) {
	req, err := ParseAnthropicRequest([]byte(`{
		"model": "relay-large",
		"messages": [{"role": "user", "content": "plain string"}]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(req.Messages) != 1 || len(req.Messages[0].Content) != 1 {
		t.Fatalf("unexpected message shape: %+v", req.Messages)
	}
	b := req.Messages[0].Content[0]
	if b.Type != "text" || b.Text != "plain string" {
		t.Errorf("string shorthand not normalized: %+v", b)
	}
}

func TestParseAnthropicRequest_Invalid(t *testing.T) {
	if _, err := ParseAnthropicRequest([]byte(`{"model":`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSanitizeHistory(t *testing.T) {
	long := strings.Repeat("x", MinSignatureLength)
	req := &BackendRequest{
		Messages: []BackendMessage{
			{Role: "user", Content: []BackendBlock{
				{Type: "text", Text: ">>> PAST_TOOL_ACTION: noise <<<"},
			}},
			{Role: "assistant", Content: []BackendBlock{
				{Type: "thinking", Thinking: "bad", Signature: "short"},
				{Type: "thinking", Thinking: "good", Signature: long},
				{Type: "text", Text: "Real answer."},
			}},
		},
	}

	SanitizeHistory(req)

	// 1. The message whose only block scrubbed to empty is dropped entirely
	if len(req.Messages) != 1 {
		t.Fatalf("expected 1 surviving message, got %d", len(req.Messages))
	}

	// 2. The invalid thinking block is gone; the valid one is byte-exact
	blocks := req.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("expected 2 surviving blocks, got %d", len(blocks))
	}
	if blocks[0].Thinking != "good" || blocks[0].Signature != long {
		t.Errorf("valid thinking block modified: %+v", blocks[0])
	}
	if blocks[1].Text != "Real answer." {
		t.Errorf("text block modified: %+v", blocks[1])
	}
}
