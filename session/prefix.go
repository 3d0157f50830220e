package session

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/protocol"
)

const (
	userInstructionsOpen   = "<user_instructions>"
	userInstructionsClose  = "</user_instructions>"
	environmentContextOpen = "<environment_context>"
)

// BuildInitialContext returns the synthetic user messages a new session
// prepends to seed the model's context: the configured instructions and a
// description of the environment.
func BuildInitialContext(cfg *config.Config) []protocol.ResponseItem {
	var items []protocol.ResponseItem
	if cfg.Instructions != "" {
		items = append(items, protocol.UserMessage(fmt.Sprintf(
			"%s\n\n%s\n\n%s", userInstructionsOpen, cfg.Instructions, userInstructionsClose)))
	}
	items = append(items, protocol.UserMessage(fmt.Sprintf(
		"%s\n  <cwd>%s</cwd>\n</environment_context>", environmentContextOpen, cfg.Cwd)))
	return items
}

// IsSessionPrefixMessage reports whether text is a synthetic session
// preamble rather than real user input. Fork truncation uses this same
// predicate, so counting user messages can never diverge from what
// BuildInitialContext emits.
func IsSessionPrefixMessage(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, userInstructionsOpen) ||
		strings.HasPrefix(trimmed, environmentContextOpen)
}
