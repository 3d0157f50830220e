package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/deepnoodle-ai/codexd/protocol"
)

// maxLineSize bounds a single rollout line during reads.
const maxLineSize = 4 * 1024 * 1024

// GetRolloutHistory reads every envelope from a rollout file in order and
// returns them as a resumed history. Envelope types the writer does not
// know about are preserved opaquely. A malformed trailing line is treated
// as absent (the file may have been truncated by a crash); a malformed
// interior line fails the read.
func GetRolloutHistory(path string) (protocol.InitialHistory, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.InitialHistory{}, fmt.Errorf("open rollout %s: %w", path, err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return protocol.InitialHistory{}, fmt.Errorf("read rollout %s: %w", path, err)
	}

	var items []protocol.RolloutItem
	for i, raw := range lines {
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			if i == len(lines)-1 {
				break
			}
			return protocol.InitialHistory{}, fmt.Errorf("rollout %s: malformed line %d: %w", path, i+1, err)
		}
		item := protocol.RolloutItem{Type: line.Type, Payload: line.Payload}
		if line.Type == protocol.RolloutItemResponseItem {
			var resp protocol.ResponseItem
			if err := json.Unmarshal(line.Payload, &resp); err != nil {
				if i == len(lines)-1 {
					break
				}
				return protocol.InitialHistory{}, fmt.Errorf("rollout %s: malformed response item at line %d: %w", path, i+1, err)
			}
			item.ResponseItem = &resp
		}
		items = append(items, item)
	}
	return protocol.ResumedHistory(items), nil
}
