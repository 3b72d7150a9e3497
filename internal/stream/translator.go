// Package stream re-frames the backend's incremental event stream into
// chat-completions chunks, one state machine per in-flight message.
package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/quailrun/poolrelay/internal/convert"
)

// toolCall accumulates one in-progress tool invocation.
type toolCall struct {
	id           string
	name         string
	arguments    strings.Builder
	emittedIndex int
}

// messageState is the per-message translation state. It lives from
// message_start until message_stop or abort, never longer.
type messageState struct {
	model      string
	created    int64
	calls      []*toolCall
	finishSent bool
}

func (s *messageState) current() *toolCall {
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

// Translator owns the table of in-flight message states. Chunks for one
// message are emitted strictly in backend event order.
type Translator struct {
	mu     sync.Mutex
	states map[string]*messageState
}

func NewTranslator() *Translator {
	return &Translator{states: make(map[string]*messageState)}
}

// Active returns the number of live message states.
func (t *Translator) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Abort tears down state for a message on error or client disconnect.
func (t *Translator) Abort(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, msgID)
}

// Feed advances the state machine for msgID with one backend event and
// returns the client chunks it produces: zero, one, or several.
func (t *Translator) Feed(msgID, model string, evt convert.BackendStreamEvent) []convert.OpenAIStreamChunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch evt.Type {
	case convert.EventMessageStart:
		st := &messageState{model: model, created: time.Now().Unix()}
		if evt.Message != nil && evt.Message.Model != "" {
			st.model = evt.Message.Model
		}
		t.states[msgID] = st
		return []convert.OpenAIStreamChunk{t.chunk(msgID, st, convert.OpenAIDelta{Role: "assistant"}, nil)}

	case convert.EventContentBlockStart:
		st := t.states[msgID]
		if st == nil || evt.ContentBlock == nil {
			return nil
		}
		switch evt.ContentBlock.Type {
		case "text":
			empty := ""
			return []convert.OpenAIStreamChunk{t.chunk(msgID, st, convert.OpenAIDelta{Content: &empty}, nil)}
		case "tool_use":
			call := &toolCall{
				id:           evt.ContentBlock.ID,
				name:         evt.ContentBlock.Name,
				emittedIndex: len(st.calls),
			}
			st.calls = append(st.calls, call)
			idx := call.emittedIndex
			return []convert.OpenAIStreamChunk{t.chunk(msgID, st, convert.OpenAIDelta{
				ToolCalls: []convert.OpenAIToolCall{{
					Index:    &idx,
					ID:       call.id,
					Type:     "function",
					Function: convert.OpenAIFunctionCall{Name: call.name, Arguments: ""},
				}},
			}, nil)}
		}
		// thinking blocks have no client-facing representation
		return nil

	case convert.EventContentBlockDelta:
		st := t.states[msgID]
		if st == nil || evt.Delta == nil {
			return nil
		}
		switch evt.Delta.Type {
		case "text_delta":
			text := evt.Delta.Text
			return []convert.OpenAIStreamChunk{t.chunk(msgID, st, convert.OpenAIDelta{Content: &text}, nil)}
		case "input_json_delta":
			call := st.current()
			if call == nil {
				return nil
			}
			call.arguments.WriteString(evt.Delta.PartialJSON)
			idx := call.emittedIndex
			return []convert.OpenAIStreamChunk{t.chunk(msgID, st, convert.OpenAIDelta{
				ToolCalls: []convert.OpenAIToolCall{{
					Index:    &idx,
					Function: convert.OpenAIFunctionCall{Arguments: evt.Delta.PartialJSON},
				}},
			}, nil)}
		}
		// thinking_delta / signature_delta emit nothing
		return nil

	case convert.EventContentBlockStop:
		// The client schema has no per-block closing event.
		return nil

	case convert.EventMessageDelta:
		st := t.states[msgID]
		if st == nil {
			return nil
		}
		finish := "stop"
		if evt.Delta != nil && evt.Delta.StopReason != "" {
			finish = convert.FinishReason(evt.Delta.StopReason)
		}
		st.calls = nil
		st.finishSent = true
		return []convert.OpenAIStreamChunk{t.chunk(msgID, st, convert.OpenAIDelta{}, &finish)}

	case convert.EventMessageStop:
		st := t.states[msgID]
		delete(t.states, msgID)
		if st == nil || st.finishSent {
			return nil
		}
		finish := "stop"
		return []convert.OpenAIStreamChunk{t.chunk(msgID, st, convert.OpenAIDelta{}, &finish)}
	}

	return nil
}

func (t *Translator) chunk(msgID string, st *messageState, delta convert.OpenAIDelta, finish *string) convert.OpenAIStreamChunk {
	return convert.OpenAIStreamChunk{
		ID:      "chatcmpl-" + msgID,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []convert.OpenAIChoice{{
			Index:        0,
			Delta:        &delta,
			FinishReason: finish,
		}},
	}
}
