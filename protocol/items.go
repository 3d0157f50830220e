package protocol

import (
	"encoding/json"
	"strings"
)

// Rollout item types as persisted in the envelope `type` field.
const (
	RolloutItemSessionMeta  = "session_meta"
	RolloutItemResponseItem = "response_item"
	RolloutItemEventMsg     = "event_msg"
)

// Response item kinds.
const (
	ResponseItemMessage      = "message"
	ResponseItemReasoning    = "reasoning"
	ResponseItemFunctionCall = "function_call"
)

// Content part kinds within a message.
const (
	ContentInputText  = "input_text"
	ContentOutputText = "output_text"
)

// ContentItem is one part of a message's content array.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponseItem is a structured item from the model protocol. Known kinds
// expose typed fields; any item read from disk retains its original bytes
// and re-serializes verbatim, so unrecognized future kinds survive a
// resume/fork round trip untouched.
type ResponseItem struct {
	Type string `json:"type"`

	// message
	Role    string        `json:"role,omitempty"`
	Content []ContentItem `json:"content,omitempty"`

	// reasoning
	Summary []string `json:"summary,omitempty"`

	// function_call
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	raw json.RawMessage
}

// UserMessage builds a user-role message item with a single text part.
func UserMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ResponseItemMessage,
		Role:    "user",
		Content: []ContentItem{{Type: ContentInputText, Text: text}},
	}
}

// AssistantMessage builds an assistant-role message item.
func AssistantMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ResponseItemMessage,
		Role:    "assistant",
		Content: []ContentItem{{Type: ContentOutputText, Text: text}},
	}
}

// Text concatenates the textual content parts of a message item. Returns
// false if the item has no textual content.
func (r ResponseItem) Text() (string, bool) {
	if r.Type != ResponseItemMessage || len(r.Content) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, part := range r.Content {
		b.WriteString(part.Text)
	}
	return b.String(), true
}

// IsUserMessage reports whether the item is a user-role message.
func (r ResponseItem) IsUserMessage() bool {
	return r.Type == ResponseItemMessage && r.Role == "user"
}

func (r *ResponseItem) UnmarshalJSON(data []byte) error {
	type plain ResponseItem
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ResponseItem(p)
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (r ResponseItem) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	type plain ResponseItem
	return json.Marshal(plain(r))
}

// RolloutItem is one logical history entry: the envelope type plus its raw
// payload. Response items additionally carry a parsed form for inspection.
type RolloutItem struct {
	Type         string
	Payload      json.RawMessage
	ResponseItem *ResponseItem
}

// NewResponseRolloutItem wraps a response item for persistence.
func NewResponseRolloutItem(item ResponseItem) RolloutItem {
	payload, _ := json.Marshal(item)
	return RolloutItem{
		Type:         RolloutItemResponseItem,
		Payload:      payload,
		ResponseItem: &item,
	}
}

// NewEventMsgRolloutItem wraps a user-facing event payload for persistence.
func NewEventMsgRolloutItem(msg EventMsg) RolloutItem {
	payload, err := MarshalEventMsg(msg)
	if err != nil {
		payload = json.RawMessage("{}")
	}
	return RolloutItem{Type: RolloutItemEventMsg, Payload: payload}
}

// InitialHistory is the state handed to a session at spawn time.
type InitialHistory struct {
	kind  historyKind
	items []RolloutItem
}

type historyKind int

const (
	historyNew historyKind = iota
	historyResumed
	historyForked
)

// NewHistory is the history of a brand-new conversation.
func NewHistory() InitialHistory {
	return InitialHistory{kind: historyNew}
}

// ResumedHistory wraps the full item sequence read from a rollout file.
func ResumedHistory(items []RolloutItem) InitialHistory {
	return InitialHistory{kind: historyResumed, items: items}
}

// ForkedHistory wraps a prefix of some other conversation's rollout.
func ForkedHistory(items []RolloutItem) InitialHistory {
	return InitialHistory{kind: historyForked, items: items}
}

// IsNew reports whether the history carries no prior state.
func (h InitialHistory) IsNew() bool { return h.kind == historyNew }

// IsResumed reports whether the history was read from an existing rollout.
func (h InitialHistory) IsResumed() bool { return h.kind == historyResumed }

// IsForked reports whether the history is a fork prefix.
func (h InitialHistory) IsForked() bool { return h.kind == historyForked }

// Items returns the ordered rollout items, nil for a new history.
func (h InitialHistory) Items() []RolloutItem { return h.items }

// ResponseItems extracts the parsed response items in order.
func (h InitialHistory) ResponseItems() []ResponseItem {
	var out []ResponseItem
	for _, item := range h.items {
		if item.Type == RolloutItemResponseItem && item.ResponseItem != nil {
			out = append(out, *item.ResponseItem)
		}
	}
	return out
}
