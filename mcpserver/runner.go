package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/protocol"
	"github.com/deepnoodle-ai/codexd/session"
)

// runToolTurn drives one conversation turn to completion on a detached
// goroutine and sends the CallToolResult when it finishes. A nil conv
// means a new conversation is created first. The submission id is the
// request id's string form, so a cancelled notification for the same
// request maps directly onto the turn's Interrupt.
func (p *MessageProcessor) runToolTurn(id mcp.RequestId, prompt string, cfg *config.Config, conv *session.Conversation) {
	ctx := context.Background()

	if conv == nil {
		created, err := p.manager.NewConversation(ctx, cfg)
		if err != nil {
			p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Failed to start new conversation: %v", err)))
			return
		}
		conv = created.Conversation
	}
	convID := conv.ID()

	// Serialize turns per conversation: concurrent tool calls to the same
	// id queue here and execute FIFO, and each holder reads only its own
	// turn's events.
	lock := p.turnLock(convID)
	lock.Lock()
	defer lock.Unlock()

	p.runningMu.Lock()
	p.runningRequests[id] = convID
	p.runningMu.Unlock()
	defer func() {
		p.runningMu.Lock()
		delete(p.runningRequests, id)
		p.runningMu.Unlock()
	}()

	subID := requestIDKey(id)
	err := conv.SubmitWithID(ctx, protocol.Submission{
		ID: subID,
		Op: protocol.UserInputOp{Items: []protocol.InputItem{protocol.TextInput(prompt)}},
	})
	if err != nil {
		p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Failed to submit prompt: %v", err)))
		return
	}

	for {
		evt, err := conv.NextEvent(ctx)
		if err != nil {
			p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Conversation stream ended unexpectedly: %v", err)))
			return
		}
		p.outgoing.SendEventNotification(id, evt)
		if evt.ID != subID {
			continue
		}
		switch msg := evt.Msg.(type) {
		case protocol.TaskCompleteEvent:
			text := msg.LastAgentMessage
			if text == "" {
				text = fmt.Sprintf("Turn completed in conversation %s", convID)
			}
			result := mcp.NewToolResultText(text)
			result.StructuredContent = map[string]any{
				"conversation_id": convID.String(),
			}
			p.outgoing.SendResponse(id, result)
			return
		case protocol.TurnAbortedEvent:
			p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Turn interrupted in conversation %s", convID)))
			return
		case protocol.ErrorEvent:
			p.outgoing.SendResponse(id, errorResult(msg.Message))
			return
		}
	}
}
