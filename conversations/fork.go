package conversations

import (
	"github.com/deepnoodle-ai/codexd/protocol"
	"github.com/deepnoodle-ai/codexd/session"
)

// truncateBeforeNthUserMessage returns the prefix of items that ends
// strictly before the nth (0-based) real user message. Synthetic
// session-prefix messages do not count as user messages; non-user items
// interleaved before the cut are retained verbatim. When fewer than n+1
// user messages exist, or the prefix would be empty, the result is a new
// (empty) history.
func truncateBeforeNthUserMessage(items []protocol.RolloutItem, n int) protocol.InitialHistory {
	var userPositions []int
	for idx, item := range items {
		if item.Type != protocol.RolloutItemResponseItem || item.ResponseItem == nil {
			continue
		}
		if !item.ResponseItem.IsUserMessage() {
			continue
		}
		text, ok := item.ResponseItem.Text()
		if !ok || session.IsSessionPrefixMessage(text) {
			continue
		}
		userPositions = append(userPositions, idx)
	}

	if len(userPositions) <= n {
		return protocol.NewHistory()
	}
	cut := userPositions[n]
	prefix := items[:cut]
	if len(prefix) == 0 {
		return protocol.NewHistory()
	}
	return protocol.ForkedHistory(prefix)
}
