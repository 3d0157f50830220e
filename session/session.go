// Package session runs a single conversation: it owns the sole writer to
// the conversation's rollout file, consumes submissions, and produces
// events. The conversation manager guarantees at most one live session
// per conversation id.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/llm"
	"github.com/deepnoodle-ai/codexd/protocol"
	"github.com/deepnoodle-ai/codexd/rollout"
	"github.com/deepnoodle-ai/codexd/slogger"
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrMissingSessionMeta is returned when a resumed rollout has no
	// session_meta line.
	ErrMissingSessionMeta = errors.New("rollout history has no session_meta")
)

const (
	eventBufferSize      = 256
	submissionBufferSize = 64
	interruptBufferSize  = 16
)

// SpawnOptions configures a session spawn.
type SpawnOptions struct {
	Config         *config.Config
	Completer      llm.Completer
	InitialHistory protocol.InitialHistory

	// RolloutPath is the file to append to when resuming. When empty it
	// is derived from the history's session meta.
	RolloutPath string

	Logger slogger.Logger
}

// Session is a live conversation engine. A single goroutine processes
// submissions in arrival order, so turns are serialized per session and
// rollout appends are naturally single-writer.
type Session struct {
	id           protocol.ConversationID
	model        string
	instructions string
	completer    llm.Completer
	recorder     *rollout.Recorder
	logger       slogger.Logger

	events      chan protocol.Event
	submissions chan protocol.Submission
	interrupts  chan protocol.Submission

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	transcript []protocol.ResponseItem
	failed     error

	submitSeq atomic.Uint64
	closeOnce sync.Once
}

// Spawn starts a session for the given initial history. The first event
// the session emits is always SessionConfigured with the initial submit
// id; the conversation manager validates this before caching the handle.
func Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	if opts.Config == nil {
		return nil, errors.New("session spawn requires a config")
	}
	if opts.Completer == nil {
		return nil, errors.New("session spawn requires a completer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}

	s := &Session{
		model:        opts.Config.Model,
		instructions: opts.Config.Instructions,
		completer:    opts.Completer,
		logger:       logger,
		events:       make(chan protocol.Event, eventBufferSize),
		submissions:  make(chan protocol.Submission, submissionBufferSize),
		interrupts:   make(chan protocol.Submission, interruptBufferSize),
	}

	history := opts.InitialHistory
	switch {
	case history.IsResumed():
		meta, ok := rollout.MetaFromHistory(history)
		if !ok {
			return nil, ErrMissingSessionMeta
		}
		s.id = meta.ID
		path := opts.RolloutPath
		if path == "" {
			path = rollout.ConversationPath(opts.Config.CodexHome, meta)
		}
		rec, err := rollout.Resume(path)
		if err != nil {
			return nil, err
		}
		s.recorder = rec
		s.transcript = history.ResponseItems()

	case history.IsForked():
		rec, err := createRecorder(opts.Config)
		if err != nil {
			return nil, err
		}
		s.recorder = rec
		s.id = mustParseFilename(rec.Path())
		var carried []protocol.RolloutItem
		for _, item := range history.Items() {
			if item.Type == protocol.RolloutItemSessionMeta {
				continue
			}
			carried = append(carried, item)
		}
		if err := rec.AddItems(carried); err != nil {
			rec.Close()
			return nil, err
		}
		s.transcript = history.ResponseItems()

	default:
		rec, err := createRecorder(opts.Config)
		if err != nil {
			return nil, err
		}
		s.recorder = rec
		s.id = mustParseFilename(rec.Path())
		prefix := BuildInitialContext(opts.Config)
		items := make([]protocol.RolloutItem, 0, len(prefix))
		for _, msg := range prefix {
			items = append(items, protocol.NewResponseRolloutItem(msg))
		}
		if err := rec.AddItems(items); err != nil {
			rec.Close()
			return nil, err
		}
		s.transcript = prefix
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.events <- protocol.Event{
		ID: protocol.InitialSubmitID,
		Msg: protocol.SessionConfiguredEvent{
			SessionID:   s.id,
			Model:       s.model,
			RolloutPath: s.recorder.Path(),
		},
	}
	go s.run()
	return s, nil
}

func createRecorder(cfg *config.Config) (*rollout.Recorder, error) {
	var instructions *string
	if cfg.Instructions != "" {
		instructions = &cfg.Instructions
	}
	meta := rollout.SessionMeta{
		ID:           protocol.NewConversationID(),
		Timestamp:    time.Now().UTC(),
		Cwd:          cfg.Cwd,
		Originator:   cfg.Originator,
		CLIVersion:   config.CLIVersion,
		Instructions: instructions,
	}
	return rollout.Create(cfg.CodexHome, meta)
}

func mustParseFilename(path string) protocol.ConversationID {
	id, err := rollout.ParseConversationIDFromFilename(path)
	if err != nil {
		// The recorder just derived this path from a valid id.
		panic(fmt.Sprintf("rollout path %q lost its id: %v", path, err))
	}
	return id
}

// ID returns the conversation id this session serves.
func (s *Session) ID() protocol.ConversationID {
	return s.id
}

// RolloutPath returns the path of the rollout file this session writes.
func (s *Session) RolloutPath() string {
	return s.recorder.Path()
}

// NextEvent returns the next event produced by the session, blocking
// until one is available.
func (s *Session) NextEvent(ctx context.Context) (protocol.Event, error) {
	// Drain buffered events even after close.
	select {
	case evt := <-s.events:
		return evt, nil
	default:
	}
	select {
	case evt := <-s.events:
		return evt, nil
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	case <-s.ctx.Done():
		return protocol.Event{}, ErrSessionClosed
	}
}

// Submit enqueues an operation and returns the generated submission id.
func (s *Session) Submit(ctx context.Context, op protocol.Op) (string, error) {
	id := "sub-" + strconv.FormatUint(s.submitSeq.Add(1), 10)
	if err := s.SubmitWithID(ctx, protocol.Submission{ID: id, Op: op}); err != nil {
		return "", err
	}
	return id, nil
}

// SubmitWithID enqueues a submission with a caller-chosen id. User input
// submissions execute FIFO; an interrupt cancels the in-flight turn (and
// is a silent no-op when the session is idle). After an unrecoverable
// rollout error the session rejects user input but still accepts
// interrupts.
func (s *Session) SubmitWithID(ctx context.Context, sub protocol.Submission) error {
	switch sub.Op.(type) {
	case protocol.InterruptOp:
		select {
		case s.interrupts <- sub:
		default:
			// Saturated interrupt queue: the turn is already being torn down.
		}
		return nil
	case protocol.UserInputOp:
		s.mu.Lock()
		failed := s.failed
		s.mu.Unlock()
		if failed != nil {
			return fmt.Errorf("session %s rejecting input: %w", s.id, failed)
		}
		select {
		case s.submissions <- sub:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrSessionClosed
		}
	default:
		return fmt.Errorf("unsupported op %T", sub.Op)
	}
}

// Close stops the session and releases the rollout writer. The rollout
// file remains on disk.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.recorder.Close()
	})
	return err
}

func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.interrupts:
			// Idle interrupt: nothing to cancel.
		case sub := <-s.submissions:
			s.runTurn(sub)
		}
	}
}

func (s *Session) runTurn(sub protocol.Submission) {
	op, ok := sub.Op.(protocol.UserInputOp)
	if !ok {
		return
	}

	// Interrupts that arrived while idle target no turn; drop them so a
	// stale one cannot abort this turn.
	for {
		select {
		case <-s.interrupts:
			continue
		default:
		}
		break
	}

	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-s.interrupts:
			cancel()
		case <-watcherDone:
		}
	}()

	var items []protocol.RolloutItem
	for _, input := range op.Items {
		msg := protocol.UserMessage(input.Text)
		items = append(items, protocol.NewResponseRolloutItem(msg))
		items = append(items, protocol.NewEventMsgRolloutItem(protocol.UserMessageEvent{Message: input.Text}))
		s.appendTranscript(msg)
	}
	if err := s.recorder.AddItems(items); err != nil {
		s.failTurn(sub.ID, err)
		return
	}
	for _, input := range op.Items {
		s.emit(sub.ID, protocol.UserMessageEvent{Message: input.Text})
	}

	completion, err := s.completer.Complete(turnCtx, llm.CompletionRequest{
		Model:        s.model,
		Instructions: s.instructions,
		Input:        s.transcriptSnapshot(),
	})
	if err != nil {
		if turnCtx.Err() != nil {
			s.recorder.AddEventMsg(protocol.TurnAbortedEvent{Reason: "interrupted"})
			s.emit(sub.ID, protocol.TurnAbortedEvent{Reason: "interrupted"})
			return
		}
		s.emit(sub.ID, protocol.ErrorEvent{Message: err.Error()})
		return
	}

	var lastAgentMessage string
	for _, item := range completion.Items {
		s.appendTranscript(item)
		if err := s.recorder.AddResponseItem(item); err != nil {
			s.failTurn(sub.ID, err)
			return
		}
		if item.Type == protocol.ResponseItemMessage && item.Role == "assistant" {
			if text, ok := item.Text(); ok {
				lastAgentMessage = text
				s.emit(sub.ID, protocol.AgentMessageEvent{Message: text})
			}
		}
	}
	s.emit(sub.ID, protocol.TaskCompleteEvent{LastAgentMessage: lastAgentMessage})
}

// failTurn marks the session as failed after an unrecoverable rollout
// write error. The error surfaces as the next event.
func (s *Session) failTurn(submitID string, err error) {
	s.mu.Lock()
	s.failed = err
	s.mu.Unlock()
	s.logger.Error("rollout write failed",
		"conversation_id", s.id.String(), "error", err)
	s.emit(submitID, protocol.ErrorEvent{Message: err.Error()})
}

func (s *Session) appendTranscript(item protocol.ResponseItem) {
	s.mu.Lock()
	s.transcript = append(s.transcript, item)
	s.mu.Unlock()
}

func (s *Session) transcriptSnapshot() []protocol.ResponseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ResponseItem, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) emit(id string, msg protocol.EventMsg) {
	select {
	case s.events <- protocol.Event{ID: id, Msg: msg}:
	case <-s.ctx.Done():
	}
}
