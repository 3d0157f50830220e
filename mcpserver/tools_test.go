package mcpserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodexToolSchema(t *testing.T) {
	tool := codexTool()
	data, err := json.Marshal(tool)
	require.NoError(t, err)

	var decoded struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema struct {
			Type       string         `json:"type"`
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		} `json:"inputSchema"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, "codex", decoded.Name)
	require.NotEmpty(t, decoded.Description)
	require.Equal(t, "object", decoded.InputSchema.Type)
	require.Equal(t, []string{"prompt"}, decoded.InputSchema.Required)

	// The schema exposes exactly the documented fields.
	require.Len(t, decoded.InputSchema.Properties, 4)
	for _, field := range []string{"prompt", "cwd", "conversation_id", "resume_last_session"} {
		require.Contains(t, decoded.InputSchema.Properties, field)
	}

	resume, ok := decoded.InputSchema.Properties["resume_last_session"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, resume["default"])
	require.Equal(t, "boolean", resume["type"])
}

func TestCodexReplyToolSchema(t *testing.T) {
	tool := codexReplyTool()
	data, err := json.Marshal(tool)
	require.NoError(t, err)

	var decoded struct {
		Name        string `json:"name"`
		InputSchema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		} `json:"inputSchema"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, "codex-reply", decoded.Name)
	require.ElementsMatch(t, []string{"conversationId", "prompt"}, decoded.InputSchema.Required)
	require.Len(t, decoded.InputSchema.Properties, 2)
}
