package session

import (
	"context"

	"github.com/deepnoodle-ai/codexd/protocol"
)

// Conversation is the public handle to a live session. Handles are shared
// by reference from the conversation manager's cache; the underlying
// session remains the sole writer to its rollout file for the handle's
// entire lifetime.
type Conversation struct {
	session *Session
}

// NewConversation wraps a spawned session.
func NewConversation(s *Session) *Conversation {
	return &Conversation{session: s}
}

// ID returns the conversation id.
func (c *Conversation) ID() protocol.ConversationID {
	return c.session.ID()
}

// RolloutPath returns the path of the rollout file backing this
// conversation.
func (c *Conversation) RolloutPath() string {
	return c.session.RolloutPath()
}

// NextEvent yields the next event produced by the session.
func (c *Conversation) NextEvent(ctx context.Context) (protocol.Event, error) {
	return c.session.NextEvent(ctx)
}

// Submit enqueues an operation with a generated submission id.
func (c *Conversation) Submit(ctx context.Context, op protocol.Op) (string, error) {
	return c.session.Submit(ctx, op)
}

// SubmitWithID enqueues a submission with a caller-chosen id, used to
// correlate cancellations with the request that started a turn.
func (c *Conversation) SubmitWithID(ctx context.Context, sub protocol.Submission) error {
	return c.session.SubmitWithID(ctx, sub)
}

// Close stops the underlying session and releases its rollout writer.
func (c *Conversation) Close() error {
	return c.session.Close()
}
