// Package llm defines the model transport seam used by conversation
// sessions. The real streaming client lives behind the Completer
// interface; this package ships deterministic implementations for tests
// and offline operation.
package llm

import (
	"context"
	"sync"

	"github.com/deepnoodle-ai/codexd/protocol"
)

// CompletionRequest is one turn's worth of model input.
type CompletionRequest struct {
	Model        string
	Instructions string
	Input        []protocol.ResponseItem
}

// Completion is the model output for a turn.
type Completion struct {
	Items []protocol.ResponseItem
}

// Completer produces the model side of a conversation turn. Complete
// must honor ctx cancellation: an interrupted turn propagates ctx.Err().
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// EchoCompleter acknowledges the most recent user message. It is the
// default transport when no real provider is wired in.
type EchoCompleter struct{}

func (EchoCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	last := ""
	for _, item := range req.Input {
		if !item.IsUserMessage() {
			continue
		}
		if text, ok := item.Text(); ok {
			last = text
		}
	}
	return &Completion{
		Items: []protocol.ResponseItem{protocol.AssistantMessage("ack: " + last)},
	}, nil
}

// ScriptedCompleter replays a fixed sequence of assistant messages, one
// per turn, then falls back to echoing. Used by tests that need to
// assert on exact turn output.
type ScriptedCompleter struct {
	mu        sync.Mutex
	Responses []string
	next      int
}

func (s *ScriptedCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.Responses) {
		text := s.Responses[s.next]
		s.next++
		return &Completion{Items: []protocol.ResponseItem{protocol.AssistantMessage(text)}}, nil
	}
	return EchoCompleter{}.Complete(ctx, req)
}

// BlockingCompleter parks until its release channel closes or the turn
// is cancelled. Tests use it to hold a turn in flight.
type BlockingCompleter struct {
	Release chan struct{}
}

func (b *BlockingCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.Release:
		return EchoCompleter{}.Complete(ctx, req)
	}
}
