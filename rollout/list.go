package rollout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/deepnoodle-ai/codexd/protocol"
)

const rolloutPattern = "*/*/*/rollout-*.jsonl"

// listRolloutPaths returns absolute rollout paths sorted descending by
// their sessions-relative path. The tree layout zero-pads every date
// component, so lexicographic order over year/month/day/filename is
// chronological. A missing or unreadable sessions directory is treated as
// empty.
func listRolloutPaths(codexHome string) ([]string, error) {
	root := filepath.Join(codexHome, SessionsSubdir)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(root), rolloutPattern)
	if err != nil {
		return nil, fmt.Errorf("scan sessions dir %s: %w", root, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = filepath.Join(root, filepath.FromSlash(m))
	}
	return paths, nil
}

// FindMostRecentConversationPath returns the path of the newest rollout
// file, or "" when none exist.
func FindMostRecentConversationPath(codexHome string) (string, error) {
	paths, err := listRolloutPaths(codexHome)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", nil
	}
	return paths[0], nil
}

// FindConversationPathByID scans the tree for the rollout whose filename
// UUID equals id. Returns "" when no rollout matches; absence is not an
// error.
func FindConversationPathByID(codexHome string, id protocol.ConversationID) (string, error) {
	paths, err := listRolloutPaths(codexHome)
	if err != nil {
		return "", err
	}
	for _, path := range paths {
		parsed, err := ParseConversationIDFromFilename(path)
		if err != nil {
			continue
		}
		if parsed == id {
			return path, nil
		}
	}
	return "", nil
}

// ParseConversationIDFromFilename extracts the conversation ID from a
// rollout path. The stem between "rollout-" and ".jsonl" is
// "YYYY-MM-DDThh-mm-ss-<uuid>"; because the UUID itself contains hyphens,
// the stem is scanned right to left and the first suffix that parses as a
// UUID wins.
func ParseConversationIDFromFilename(path string) (protocol.ConversationID, error) {
	name := filepath.Base(path)
	core, ok := strings.CutPrefix(name, "rollout-")
	if !ok {
		return protocol.ConversationID{}, fmt.Errorf("invalid rollout filename %q", name)
	}
	core, ok = strings.CutSuffix(core, ".jsonl")
	if !ok {
		return protocol.ConversationID{}, fmt.Errorf("invalid rollout filename %q", name)
	}
	for i := len(core) - 1; i >= 0; i-- {
		if core[i] != '-' {
			continue
		}
		if id, err := protocol.ParseConversationID(core[i+1:]); err == nil {
			return id, nil
		}
	}
	return protocol.ConversationID{}, fmt.Errorf("no conversation id in rollout filename %q", name)
}
