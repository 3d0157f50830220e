// Package conversations manages the lifecycle of conversation sessions:
// creation, resumption from disk, forking, and removal. It maintains an
// in-memory cache of live handles to avoid repeated disk I/O and to
// prevent multiple writers to the same rollout file, plus per-conversation
// locks that serialize concurrent resumes of the same id.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/llm"
	"github.com/deepnoodle-ai/codexd/protocol"
	"github.com/deepnoodle-ai/codexd/rollout"
	"github.com/deepnoodle-ai/codexd/session"
	"github.com/deepnoodle-ai/codexd/slogger"
)

// ErrSessionConfiguredNotFirstEvent is returned when a spawned session
// violates the protocol by emitting anything before SessionConfigured.
var ErrSessionConfiguredNotFirstEvent = errors.New("expected SessionConfigured to be the first event")

// ConversationNotFoundError reports that no rollout matches an id.
type ConversationNotFoundError struct {
	ID protocol.ConversationID
}

func (e *ConversationNotFoundError) Error() string {
	return fmt.Sprintf("conversation not found: %s", e.ID)
}

// IsNotFound reports whether err is a conversation-not-found error.
func IsNotFound(err error) bool {
	var notFound *ConversationNotFoundError
	return errors.As(err, &notFound)
}

// NewConversation is the result of creating (or forking) a conversation:
// the fresh id, the cached handle, and the SessionConfigured payload of
// the first event.
type NewConversation struct {
	ConversationID    protocol.ConversationID
	Conversation      *session.Conversation
	SessionConfigured protocol.SessionConfiguredEvent
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Completer llm.Completer
	Logger    slogger.Logger
}

// Manager creates conversations and manages them through persistent
// rollout files on disk.
type Manager struct {
	completer llm.Completer
	logger    slogger.Logger

	cacheMu sync.RWMutex
	cache   map[protocol.ConversationID]*session.Conversation

	// resumeLocks serializes resume operations per conversation id so
	// that at most one session is ever spawned for a given rollout.
	// Entries are created lazily and never removed; the map is bounded
	// by the ids seen during the process lifetime.
	locksMu     sync.Mutex
	resumeLocks map[protocol.ConversationID]*sync.Mutex
}

// NewManager returns a Manager using the given completer for all spawned
// sessions.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	completer := opts.Completer
	if completer == nil {
		completer = llm.EchoCompleter{}
	}
	return &Manager{
		completer:   completer,
		logger:      logger,
		cache:       make(map[protocol.ConversationID]*session.Conversation),
		resumeLocks: make(map[protocol.ConversationID]*sync.Mutex),
	}
}

// NewConversation spawns a conversation with no prior state.
func (m *Manager) NewConversation(ctx context.Context, cfg *config.Config) (*NewConversation, error) {
	s, err := session.Spawn(ctx, session.SpawnOptions{
		Config:         cfg,
		Completer:      m.completer,
		InitialHistory: protocol.NewHistory(),
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	return m.finalizeSpawn(ctx, s)
}

// finalizeSpawn validates that the session's first event is
// SessionConfigured and, in the same critical step, inserts the handle
// into the cache. A caller that observes the returned id is therefore
// guaranteed a cache hit on its next lookup, even before the rollout has
// been flushed to disk.
func (m *Manager) finalizeSpawn(ctx context.Context, s *session.Session) (*NewConversation, error) {
	evt, err := s.NextEvent(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	configured, ok := evt.Msg.(protocol.SessionConfiguredEvent)
	if !ok || evt.ID != protocol.InitialSubmitID {
		s.Close()
		return nil, ErrSessionConfiguredNotFirstEvent
	}

	conv := session.NewConversation(s)
	m.cacheMu.Lock()
	m.cache[s.ID()] = conv
	m.cacheMu.Unlock()

	return &NewConversation{
		ConversationID:    s.ID(),
		Conversation:      conv,
		SessionConfigured: configured,
	}, nil
}

// lookupCached returns the cached handle for id, if any.
func (m *Manager) lookupCached(id protocol.ConversationID) (*session.Conversation, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	conv, ok := m.cache[id]
	return conv, ok
}

// resumeLock returns the per-conversation mutex for id, creating it
// lazily. The lock-map mutex is held only for the map access.
func (m *Manager) resumeLock(id protocol.ConversationID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.resumeLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.resumeLocks[id] = lock
	}
	return lock
}

// resumeWithLock is the shared slow path for resuming a conversation. If
// rolloutPath is empty the rollout is located by id. The per-conversation
// lock guarantees at most one concurrent resume per id, which in turn
// guarantees a single writer per rollout file.
func (m *Manager) resumeWithLock(ctx context.Context, id protocol.ConversationID, cfg *config.Config, rolloutPath string) (*session.Conversation, error) {
	// Fast path: cache hit needs no lock beyond the read lock.
	if conv, ok := m.lookupCached(id); ok {
		return conv, nil
	}

	lock := m.resumeLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Double-check: another task may have resumed while we waited.
	if conv, ok := m.lookupCached(id); ok {
		return conv, nil
	}

	if rolloutPath == "" {
		path, err := rollout.FindConversationPathByID(cfg.CodexHome, id)
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, &ConversationNotFoundError{ID: id}
		}
		rolloutPath = path
	}

	history, err := rollout.GetRolloutHistory(rolloutPath)
	if err != nil {
		return nil, err
	}
	s, err := session.Spawn(ctx, session.SpawnOptions{
		Config:         cfg,
		Completer:      m.completer,
		InitialHistory: history,
		RolloutPath:    rolloutPath,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	resumed, err := m.finalizeSpawn(ctx, s)
	if err != nil {
		return nil, err
	}

	if resumed.ConversationID != id {
		// A mismatch indicates a corrupted or mislabeled rollout file.
		m.logger.Error("conversation id mismatch",
			"expected", id.String(),
			"actual", resumed.ConversationID.String(),
			"path", rolloutPath)
		return nil, &ConversationNotFoundError{ID: id}
	}
	return resumed.Conversation, nil
}

// GetOrResumeConversation returns the cached handle for id or resumes it
// from disk. Concurrent calls for the same id all receive the same
// handle.
func (m *Manager) GetOrResumeConversation(ctx context.Context, id protocol.ConversationID, cfg *config.Config) (*session.Conversation, error) {
	return m.resumeWithLock(ctx, id, cfg, "")
}

// GetMostRecentConversation resumes the conversation whose rollout file
// sorts last, or returns nil when no rollouts exist. It shares the per-id
// locking with GetOrResumeConversation, so racing lookups of the same
// conversation still produce a single handle.
func (m *Manager) GetMostRecentConversation(ctx context.Context, cfg *config.Config) (*session.Conversation, error) {
	path, err := rollout.FindMostRecentConversationPath(cfg.CodexHome)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	id, err := rollout.ParseConversationIDFromFilename(path)
	if err != nil {
		return nil, err
	}
	return m.resumeWithLock(ctx, id, cfg, path)
}

// ResumeConversationFromRollout spawns a session from an explicit rollout
// path, bypassing the by-id search but still finalizing through the
// atomic cache path.
func (m *Manager) ResumeConversationFromRollout(ctx context.Context, cfg *config.Config, rolloutPath string) (*NewConversation, error) {
	history, err := rollout.GetRolloutHistory(rolloutPath)
	if err != nil {
		return nil, err
	}
	s, err := session.Spawn(ctx, session.SpawnOptions{
		Config:         cfg,
		Completer:      m.completer,
		InitialHistory: history,
		RolloutPath:    rolloutPath,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	return m.finalizeSpawn(ctx, s)
}

// ForkConversation reads the rollout at path, truncates it strictly
// before the nth user message, and spawns a new conversation (with a
// fresh id) from that prefix. The source conversation is unaffected.
func (m *Manager) ForkConversation(ctx context.Context, nthUserMessage int, cfg *config.Config, path string) (*NewConversation, error) {
	history, err := rollout.GetRolloutHistory(path)
	if err != nil {
		return nil, err
	}
	truncated := truncateBeforeNthUserMessage(history.Items(), nthUserMessage)
	s, err := session.Spawn(ctx, session.SpawnOptions{
		Config:         cfg,
		Completer:      m.completer,
		InitialHistory: truncated,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	return m.finalizeSpawn(ctx, s)
}

// RemoveConversation removes the handle from the cache and returns it,
// or nil if it was not cached. The rollout file is never deleted, and
// outstanding references to the handle remain usable; future lookups
// will resume from disk.
func (m *Manager) RemoveConversation(id protocol.ConversationID) *session.Conversation {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	conv, ok := m.cache[id]
	if !ok {
		return nil
	}
	delete(m.cache, id)
	return conv
}
