package rollout

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/deepnoodle-ai/codexd/protocol"
)

// ErrRolloutLocked is returned when another process holds the rollout lock.
var ErrRolloutLocked = errors.New("rollout file is locked by another process")

// Recorder is the sole writer to one rollout file. The conversation
// manager guarantees at most one live Recorder per conversation in this
// process; an advisory file lock additionally guards against a second
// process appending to the same file.
//
// Every entry is serialized to a single newline-terminated line and
// written with one Write call, so concurrent readers never observe a
// partial interior line.
type Recorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	fl   *flock.Flock
	err  error
}

// ConversationPath returns the rollout path a session meta maps to. The
// dated directory components come from the meta timestamp and the
// filename embeds the conversation id.
func ConversationPath(codexHome string, meta SessionMeta) string {
	ts := meta.Timestamp.UTC()
	dir := filepath.Join(codexHome, SessionsSubdir,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()))
	name := fmt.Sprintf("rollout-%s-%s.jsonl", ts.Format(filenameTimestampLayout), meta.ID)
	return filepath.Join(dir, name)
}

// Create starts a new rollout file for the given session meta. The file
// path is derived from the meta timestamp and conversation id, and the
// session_meta envelope is written as the first line.
func Create(codexHome string, meta SessionMeta) (*Recorder, error) {
	path := ConversationPath(codexHome, meta)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("marshal session meta: %w", err)
	}
	if err := r.writeLine(Line{Timestamp: nowTimestamp(), Type: protocol.RolloutItemSessionMeta, Payload: payload}); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Flush(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Resume opens an existing rollout file for appending.
func Resume(path string) (*Recorder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open rollout %s: %w", path, err)
	}
	return open(path)
}

func open(path string) (*Recorder, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock rollout %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRolloutLocked, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("open rollout %s: %w", path, err)
	}
	return &Recorder{
		path: path,
		f:    f,
		w:    bufio.NewWriter(f),
		fl:   fl,
	}, nil
}

// Path returns the rollout file path.
func (r *Recorder) Path() string {
	return r.path
}

// AddItems appends the given items, one envelope line each, and flushes.
// A write failure is sticky: all subsequent calls return the same error.
func (r *Recorder) AddItems(items []protocol.RolloutItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, item := range items {
		if err := r.writeItemLocked(item); err != nil {
			r.err = err
			return err
		}
	}
	if err := r.w.Flush(); err != nil {
		r.err = fmt.Errorf("flush rollout %s: %w", r.path, err)
		return r.err
	}
	return nil
}

// AddResponseItem appends a single response item.
func (r *Recorder) AddResponseItem(item protocol.ResponseItem) error {
	return r.AddItems([]protocol.RolloutItem{protocol.NewResponseRolloutItem(item)})
}

// AddEventMsg appends a user-facing event entry for UI replay.
func (r *Recorder) AddEventMsg(msg protocol.EventMsg) error {
	return r.AddItems([]protocol.RolloutItem{protocol.NewEventMsgRolloutItem(msg)})
}

func (r *Recorder) writeItemLocked(item protocol.RolloutItem) error {
	payload := item.Payload
	if payload == nil && item.ResponseItem != nil {
		var err error
		payload, err = json.Marshal(item.ResponseItem)
		if err != nil {
			return fmt.Errorf("marshal response item: %w", err)
		}
	}
	return r.writeLineLocked(Line{Timestamp: nowTimestamp(), Type: item.Type, Payload: payload})
}

func (r *Recorder) writeLine(line Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLineLocked(line)
}

func (r *Recorder) writeLineLocked(line Line) error {
	encoded, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal rollout line: %w", err)
	}
	if _, err := r.w.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write rollout %s: %w", r.path, err)
	}
	return nil
}

// Flush forces buffered lines to disk.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := r.w.Flush(); err != nil {
		r.err = fmt.Errorf("flush rollout %s: %w", r.path, err)
		return r.err
	}
	return nil
}

// Close flushes, releases the file lock, and closes the file. The rollout
// file itself is never deleted.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	flushErr := r.w.Flush()
	closeErr := r.f.Close()
	r.fl.Unlock()
	os.Remove(r.fl.Path())
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
