// Package repair implements a pure transformation over chat-completion
// message lists that guarantees every tool invocation receives a paired
// response, synthesizing a failure response for any invocation that would
// otherwise go unanswered.
package repair

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
)

// ToolCall is one tool-invocation entry on an assistant message.
type ToolCall struct {
	ID string `json:"id"`
}

// Message is a single chat-completion message. Raw fields besides Role,
// ToolCallID, and ToolCalls are preserved verbatim in Extra so the repairer
// never lossily rewrites a message it merely passes through.
type Message struct {
	Role       string          `json:"role"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	Extra      json.RawMessage `json:"-"`
}

const (
	roleAssistant = "assistant"
	roleTool      = "tool"
)

// MarshalJSON merges the typed fields back into the original object so
// fields the repairer doesn't model (content, name, etc.) survive untouched.
func (m Message) MarshalJSON() ([]byte, error) {
	base := map[string]json.RawMessage{}
	if len(m.Extra) > 0 {
		if err := json.Unmarshal(m.Extra, &base); err != nil {
			return nil, errors.Wrap(err, "unmarshal message extra")
		}
	}

	roleJSON, err := json.Marshal(m.Role)
	if err != nil {
		return nil, errors.Wrap(err, "marshal role")
	}
	base["role"] = roleJSON

	if m.ToolCallID != "" {
		idJSON, err := json.Marshal(m.ToolCallID)
		if err != nil {
			return nil, errors.Wrap(err, "marshal tool_call_id")
		}
		base["tool_call_id"] = idJSON
	}

	// tool_calls already present in Extra are kept as received: ToolCall
	// models only the id, so re-marshalling it would drop type/function.
	if _, ok := base["tool_calls"]; !ok && len(m.ToolCalls) > 0 {
		callsJSON, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return nil, errors.Wrap(err, "marshal tool_calls")
		}
		base["tool_calls"] = callsJSON
	}

	return json.Marshal(base)
}

// UnmarshalJSON keeps the full original object in Extra while also
// populating the typed fields the repairer reasons about.
func (m *Message) UnmarshalJSON(data []byte) error {
	m.Extra = append(json.RawMessage(nil), data...)

	var shallow struct {
		Role       string     `json:"role"`
		ToolCallID string     `json:"tool_call_id"`
		ToolCalls  []ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal(data, &shallow); err != nil {
		return errors.Wrap(err, "unmarshal message")
	}
	m.Role = shallow.Role
	m.ToolCallID = shallow.ToolCallID
	m.ToolCalls = shallow.ToolCalls
	return nil
}

// isAssistantWithCalls reports whether m is an assistant message carrying
// one or more tool invocations.
func (m Message) isAssistantWithCalls() bool {
	return m.Role == roleAssistant && len(m.ToolCalls) > 0
}

func (m Message) isToolResponse() bool {
	return m.Role == roleTool && m.ToolCallID != ""
}

// synthesizeFailure builds the `{role: "tool", tool_call_id, content:
// "failed"}` stand-in response for an invocation that never got answered.
func synthesizeFailure(id string) Message {
	payload, _ := json.Marshal(map[string]string{
		"role":         roleTool,
		"tool_call_id": id,
		"content":      "failed",
	})
	return Message{
		Role:       roleTool,
		ToolCallID: id,
		Extra:      payload,
	}
}

// pendingSet is an insertion-ordered set of tool-invocation ids awaiting a response.
type pendingSet struct {
	order []string
	index map[string]int
}

func newPendingSet() *pendingSet {
	return &pendingSet{index: make(map[string]int)}
}

func (p *pendingSet) add(id string) {
	if _, ok := p.index[id]; ok {
		return
	}
	p.index[id] = len(p.order)
	p.order = append(p.order, id)
}

func (p *pendingSet) remove(id string) bool {
	i, ok := p.index[id]
	if !ok {
		return false
	}
	delete(p.index, id)
	p.order = append(p.order[:i], p.order[i+1:]...)
	for id, idx := range p.index {
		if idx > i {
			p.index[id] = idx - 1
		}
	}
	return true
}

func (p *pendingSet) empty() bool { return len(p.order) == 0 }

func (p *pendingSet) drain() []string {
	out := p.order
	p.order = nil
	p.index = make(map[string]int)
	return out
}

// Repair applies the tool-call pairing invariant to messages, returning a new
// slice. The input is never mutated in place (G2); repair is idempotent (G4)
// and a no-op on already-correct input (G5).
func Repair(messages []Message) []Message {
	pending := newPendingSet()
	out := make([]Message, 0, len(messages))

	flush := func() {
		for _, id := range pending.drain() {
			out = append(out, synthesizeFailure(id))
		}
	}

	for _, m := range messages {
		switch {
		case m.isAssistantWithCalls():
			out = append(out, m)
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					pending.add(tc.ID)
				}
			}
		case m.isToolResponse():
			pending.remove(m.ToolCallID)
			out = append(out, m)
		default:
			if !pending.empty() {
				flush()
			}
			out = append(out, m)
		}
	}
	flush()

	return out
}

// RepairBody parses a chat-completion request body, applies Repair to its
// messages array, and returns the re-serialized body plus whether anything
// changed. Bodies that are not a JSON object with a messages array, or that
// fail to parse, are returned unchanged with changed=false — the repairer
// only ever touches chat-completion payloads it can fully understand.
func RepairBody(body []byte) (out []byte, changed bool, err error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body, false, nil
	}

	rawMessages, ok := payload["messages"]
	if !ok {
		return body, false, nil
	}

	var messages []Message
	if err := json.Unmarshal(rawMessages, &messages); err != nil {
		return body, false, nil
	}

	repaired := Repair(messages)
	if len(repaired) == len(messages) {
		return body, false, nil
	}

	repairedJSON, err := json.Marshal(repaired)
	if err != nil {
		return body, false, errors.Wrap(err, "marshal repaired messages")
	}
	payload["messages"] = repairedJSON

	out, err = json.Marshal(payload)
	if err != nil {
		return body, false, errors.Wrap(err, "marshal repaired body")
	}
	return out, true, nil
}
