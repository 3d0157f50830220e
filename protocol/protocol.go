// Package protocol defines the submission and event types exchanged with a
// conversation session, and the rollout item model persisted to disk.
//
// A session consumes Submissions and produces Events. Submissions carry an
// id that correlates later events (and cancellations) with the operation
// that caused them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// InitialSubmitID is the well-known submission id carried by the first
// event a freshly spawned session emits (SessionConfigured).
const InitialSubmitID = "initial"

// Op is an operation submitted to a session.
type Op interface {
	isOp()
}

// UserInputOp prompts the next turn with user input items.
type UserInputOp struct {
	Items []InputItem `json:"items"`
}

// InterruptOp cancels the in-flight turn, if any.
type InterruptOp struct{}

func (UserInputOp) isOp() {}
func (InterruptOp) isOp() {}

// InputItem is a single piece of user input.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextInput returns a plain-text input item.
func TextInput(text string) InputItem {
	return InputItem{Type: "text", Text: text}
}

// Submission pairs an operation with its correlation id.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// Event is a single output unit produced by a session. ID is the id of the
// submission that caused it, or InitialSubmitID for the configuration event.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the payload of an Event.
type EventMsg interface {
	EventType() string
}

// SessionConfiguredEvent must be the first event after spawn.
type SessionConfiguredEvent struct {
	SessionID   ConversationID `json:"session_id"`
	Model       string         `json:"model,omitempty"`
	RolloutPath string         `json:"rollout_path,omitempty"`
}

// UserMessageEvent echoes user input for UI replay.
type UserMessageEvent struct {
	Message string `json:"message"`
}

// AgentMessageEvent carries an assistant message produced during a turn.
type AgentMessageEvent struct {
	Message string `json:"message"`
}

// TaskCompleteEvent signals the end of a turn.
type TaskCompleteEvent struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

// TurnAbortedEvent signals that an in-flight turn was interrupted.
type TurnAbortedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorEvent surfaces an unrecoverable session error.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (SessionConfiguredEvent) EventType() string { return "session_configured" }
func (UserMessageEvent) EventType() string       { return "user_message" }
func (AgentMessageEvent) EventType() string      { return "agent_message" }
func (TaskCompleteEvent) EventType() string      { return "task_complete" }
func (TurnAbortedEvent) EventType() string       { return "turn_aborted" }
func (ErrorEvent) EventType() string             { return "error" }

// MarshalEventMsg encodes an event message as a tagged JSON object,
// e.g. {"type":"agent_message","message":"..."}.
func MarshalEventMsg(msg EventMsg) (json.RawMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", msg.EventType()))
	return json.Marshal(fields)
}

// MarshalJSON encodes the event with its tagged message payload.
func (e Event) MarshalJSON() ([]byte, error) {
	msg, err := MarshalEventMsg(e.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}{ID: e.ID, Msg: msg})
}
