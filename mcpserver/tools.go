package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool names exposed to MCP clients.
const (
	codexToolName      = "codex"
	codexReplyToolName = "codex-reply"
)

// codexToolArgs are the client-supplied arguments for a `codex` tool
// call.
type codexToolArgs struct {
	// Prompt is the user prompt for the next turn. Required.
	Prompt string `json:"prompt"`

	// Cwd overrides the session working directory. Relative paths are
	// resolved against the server process's working directory.
	Cwd string `json:"cwd,omitempty"`

	// ConversationID resumes the conversation with this id.
	ConversationID string `json:"conversation_id,omitempty"`

	// ResumeLastSession, when no conversation id is given, selects
	// whether to resume the most recent conversation (default true) or
	// start a new one.
	ResumeLastSession *bool `json:"resume_last_session,omitempty"`
}

// codexReplyToolArgs are the arguments for a `codex-reply` tool call,
// which always continues an existing conversation.
type codexReplyToolArgs struct {
	ConversationID string `json:"conversationId"`
	Prompt         string `json:"prompt"`
}

func codexTool() mcp.Tool {
	return mcp.Tool{
		Name:        codexToolName,
		Description: "Run a Codex session: start a new conversation or resume an existing one, then run one turn with the given prompt.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "The user prompt for the next turn of the conversation.",
				},
				"cwd": map[string]any{
					"type":        "string",
					"description": "Working directory for the session. If relative, it is resolved against the server process's current working directory.",
				},
				"conversation_id": map[string]any{
					"type":        "string",
					"description": "UUID of an existing conversation to resume. Errors if no rollout with this id exists on disk.",
				},
				"resume_last_session": map[string]any{
					"type":        "boolean",
					"default":     true,
					"description": "When no conversation_id is given, resume the most recent conversation if any exists; otherwise start a new one. Set false to always start fresh.",
				},
			},
			Required: []string{"prompt"},
		},
	}
}

func codexReplyTool() mcp.Tool {
	return mcp.Tool{
		Name:        codexReplyToolName,
		Description: "Continue a Codex conversation by providing the conversation id and prompt.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"conversationId": map[string]any{
					"type":        "string",
					"description": "The conversation id of the Codex session to continue.",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "The next user prompt to continue the conversation.",
				},
			},
			Required: []string{"conversationId", "prompt"},
		},
	}
}
