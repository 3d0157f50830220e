// Package rollout persists conversations as append-only JSONL files under
// a dated directory tree:
//
//	$CODEX_HOME/sessions/YYYY/MM/DD/rollout-YYYY-MM-DDThh-mm-ss-<uuid>.jsonl
//
// Each line is an envelope {timestamp, type, payload}. The first line of
// every file is a session_meta envelope whose payload id equals the UUID
// embedded in the filename. Lines are written whole; a reader that finds a
// malformed trailing line treats it as absent.
package rollout

import (
	"encoding/json"
	"time"

	"github.com/deepnoodle-ai/codexd/protocol"
)

// SessionsSubdir is the directory under CODEX_HOME that holds rollouts.
const SessionsSubdir = "sessions"

// filenameTimestampLayout formats the timestamp embedded in rollout
// filenames. Colons are not filesystem-safe, so time components use '-'.
const filenameTimestampLayout = "2006-01-02T15-04-05"

// Line is the on-disk envelope for a single rollout entry.
type Line struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionMeta is the payload of the session_meta envelope that opens every
// rollout file.
type SessionMeta struct {
	ID           protocol.ConversationID `json:"id"`
	Timestamp    time.Time               `json:"timestamp"`
	Cwd          string                  `json:"cwd"`
	Originator   string                  `json:"originator"`
	CLIVersion   string                  `json:"cli_version"`
	Instructions *string                 `json:"instructions"`
}

// MetaFromHistory extracts the session meta from a resumed history.
// Returns false if the history has no session_meta item.
func MetaFromHistory(history protocol.InitialHistory) (SessionMeta, bool) {
	for _, item := range history.Items() {
		if item.Type != protocol.RolloutItemSessionMeta {
			continue
		}
		var meta SessionMeta
		if err := json.Unmarshal(item.Payload, &meta); err != nil {
			return SessionMeta{}, false
		}
		return meta, true
	}
	return SessionMeta{}, false
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
