package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/conversations"
	"github.com/deepnoodle-ai/codexd/llm"
	"github.com/deepnoodle-ai/codexd/protocol"
	"github.com/deepnoodle-ai/codexd/rollout"
)

const defaultWait = 5 * time.Second

// safeBuffer collects the server's outbound stream for inspection.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	content := strings.TrimRight(b.buf.String(), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// harness runs a Server over an in-process pipe, standing in for a
// spawned MCP process.
type harness struct {
	t   *testing.T
	cfg *config.Config
	in  *io.PipeWriter
	out *safeBuffer
}

func newHarness(t *testing.T, completer llm.Completer) *harness {
	t.Helper()
	cfg := &config.Config{
		CodexHome:  t.TempDir(),
		Model:      "test-model",
		Cwd:        "/",
		Originator: "codex",
	}
	return newHarnessWithConfig(t, completer, cfg)
}

func newHarnessWithConfig(t *testing.T, completer llm.Completer, cfg *config.Config) *harness {
	t.Helper()
	reader, writer := io.Pipe()
	out := &safeBuffer{}
	server := NewServer(ServerOptions{
		Manager: conversations.NewManager(conversations.ManagerOptions{Completer: completer}),
		Config:  cfg,
		In:      reader,
		Out:     out,
	})
	go server.Serve(context.Background())
	t.Cleanup(func() { writer.Close() })
	return &harness{t: t, cfg: cfg, in: writer, out: out}
}

func (h *harness) send(v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(h.t, err)
	_, err = h.in.Write(append(data, '\n'))
	require.NoError(h.t, err)
}

func (h *harness) sendRequest(id int, method string, params any) {
	h.t.Helper()
	h.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
}

func (h *harness) sendNotification(method string, params any) {
	h.t.Helper()
	h.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (h *harness) callTool(id int, name string, args any) {
	h.t.Helper()
	h.sendRequest(id, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
}

// waitResponse blocks until the response for the given request id shows
// up on the outbound stream.
func (h *harness) waitResponse(id int) jsonrpcMessage {
	h.t.Helper()
	want := strconv.Itoa(id)
	deadline := time.Now().Add(defaultWait)
	for time.Now().Before(deadline) {
		for _, line := range h.out.Lines() {
			var msg jsonrpcMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				continue
			}
			if msg.Method != "" || msg.ID == nil {
				continue
			}
			if requestIDKey(*msg.ID) == want {
				return msg
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for response to request %d", id)
	return jsonrpcMessage{}
}

// waitEventNotification blocks until a codex/event notification of the
// given event type appears.
func (h *harness) waitEventNotification(eventType string) {
	h.t.Helper()
	deadline := time.Now().Add(defaultWait)
	for time.Now().Before(deadline) {
		for _, line := range h.out.Lines() {
			var msg struct {
				Method string `json:"method"`
				Params struct {
					Msg struct {
						Type string `json:"type"`
					} `json:"msg"`
				} `json:"params"`
			}
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				continue
			}
			if msg.Method == eventNotificationMethod && msg.Params.Msg.Type == eventType {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s event notification", eventType)
}

// toolResult decodes a CallToolResult from a response message.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError           bool           `json:"isError"`
	StructuredContent map[string]any `json:"structuredContent"`
}

func decodeToolResult(t *testing.T, msg jsonrpcMessage) toolResult {
	t.Helper()
	require.Nil(t, msg.Error, "expected a tool result, got JSON-RPC error")
	var result toolResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	return result
}

func (r toolResult) text() string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

func (r toolResult) conversationID(t *testing.T) protocol.ConversationID {
	t.Helper()
	raw, ok := r.StructuredContent["conversation_id"].(string)
	require.True(t, ok, "structured content should carry conversation_id")
	id, err := protocol.ParseConversationID(raw)
	require.NoError(t, err)
	return id
}

func writeFakeRollout(t *testing.T, home, filenameTS, metaTS string, id protocol.ConversationID) string {
	t.Helper()
	dir := filepath.Join(home, rollout.SessionsSubdir, filenameTS[0:4], filenameTS[5:7], filenameTS[8:10])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("rollout-%s-%s.jsonl", filenameTS, id))
	lines := []string{
		fmt.Sprintf(`{"timestamp":%q,"type":"session_meta","payload":{"id":%q,"timestamp":%q,"cwd":"/","originator":"codex","cli_version":"0.0.0","instructions":null}}`,
			metaTS, id, metaTS),
		fmt.Sprintf(`{"timestamp":%q,"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"initial"}]}}`, metaTS),
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestInitializeOnce(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.sendRequest(1, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]any{"name": "test-client", "version": "9.9"},
	})
	resp := h.waitResponse(1)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools struct {
				ListChanged bool `json:"listChanged"`
			} `json:"tools"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name      string `json:"name"`
			Version   string `json:"version"`
			Title     string `json:"title"`
			UserAgent string `json:"user_agent"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "2025-03-26", result.ProtocolVersion)
	require.True(t, result.Capabilities.Tools.ListChanged)
	require.Equal(t, "codexd", result.ServerInfo.Name)
	require.Contains(t, result.ServerInfo.UserAgent, "test-client")

	// A second initialize is a JSON-RPC error with the invalid-request
	// code.
	h.sendRequest(2, "initialize", map[string]any{})
	second := h.waitResponse(2)
	require.NotNil(t, second.Error)
	require.Equal(t, -32600, second.Error.Code)
}

func TestPing(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.sendRequest(1, "ping", map[string]any{})
	resp := h.waitResponse(1)
	require.Nil(t, resp.Error)
	require.JSONEq(t, "{}", string(resp.Result))
}

func TestListTools(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.sendRequest(1, "tools/list", map[string]any{})
	resp := h.waitResponse(1)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	require.ElementsMatch(t, []string{"codex", "codex-reply"}, names)
}

func TestUnknownToolIsToolError(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.callTool(1, "no-such-tool", map[string]any{})
	result := decodeToolResult(t, h.waitResponse(1))
	require.True(t, result.IsError)
	require.Contains(t, result.text(), "Unknown tool 'no-such-tool'")
}

func TestCodexMissingPrompt(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.callTool(1, "codex", map[string]any{})
	result := decodeToolResult(t, h.waitResponse(1))
	require.True(t, result.IsError)
	require.Contains(t, result.text(), "prompt")
}

func TestCodexInvalidConversationID(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.callTool(1, "codex", map[string]any{
		"prompt":          "hello",
		"conversation_id": "definitely-not-a-uuid",
	})
	result := decodeToolResult(t, h.waitResponse(1))
	require.True(t, result.IsError)
	require.Contains(t, result.text(), "Invalid conversation ID")
}

func TestCodexUnknownConversationNotFound(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.callTool(1, "codex", map[string]any{
		"prompt":          "hello",
		"conversation_id": protocol.NewConversationID().String(),
	})
	result := decodeToolResult(t, h.waitResponse(1))
	require.True(t, result.IsError)
	require.Contains(t, strings.ToLower(result.text()), "not found")
}

func TestCodexStartsNewConversation(t *testing.T) {
	h := newHarness(t, &llm.ScriptedCompleter{Responses: []string{"hello there"}})
	h.callTool(1, "codex", map[string]any{
		"prompt":              "hi",
		"resume_last_session": false,
	})
	result := decodeToolResult(t, h.waitResponse(1))
	require.False(t, result.IsError)
	require.Equal(t, "hello there", result.text())
	id := result.conversationID(t)

	// The rollout landed on disk under the dated tree.
	path, err := rollout.FindConversationPathByID(h.cfg.CodexHome, id)
	require.NoError(t, err)
	require.NotEmpty(t, path)
}

func TestCodexResumeLastWithNoRolloutsStartsNew(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	// resume_last_session defaults to true; with an empty home this must
	// fall back to starting a new conversation.
	h.callTool(1, "codex", map[string]any{"prompt": "first contact"})
	result := decodeToolResult(t, h.waitResponse(1))
	require.False(t, result.IsError)
	require.NotEmpty(t, result.text())
	result.conversationID(t)
}

func TestCreateThenImmediateAccess(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.callTool(1, "codex", map[string]any{
		"prompt":              "create",
		"resume_last_session": false,
	})
	created := decodeToolResult(t, h.waitResponse(1))
	require.False(t, created.IsError)
	id := created.conversationID(t)

	// Immediately hammer the new id; none may miss the cache and report
	// not-found.
	for i := 0; i < 3; i++ {
		h.callTool(10+i, "codex", map[string]any{
			"prompt":          fmt.Sprintf("immediate access %d", i),
			"conversation_id": id.String(),
		})
	}
	for i := 0; i < 3; i++ {
		result := decodeToolResult(t, h.waitResponse(10+i))
		require.NotContains(t, strings.ToLower(result.text()), "not found",
			"immediate access %d must hit the cache", i)
		require.False(t, result.IsError)
	}
}

func TestConcurrentCallsSameConversation(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	id := protocol.NewConversationID()
	path := writeFakeRollout(t, h.cfg.CodexHome, "2025-01-15T14-30-00", "2025-01-15T14:30:00Z", id)

	before, err := os.ReadFile(path)
	require.NoError(t, err)
	beforeLines := len(strings.Split(strings.TrimRight(string(before), "\n"), "\n"))

	const numRequests = 4
	for i := 0; i < numRequests; i++ {
		h.callTool(1+i, "codex", map[string]any{
			"prompt":          fmt.Sprintf("concurrent request %d", i),
			"conversation_id": id.String(),
		})
	}
	for i := 0; i < numRequests; i++ {
		result := decodeToolResult(t, h.waitResponse(1+i))
		require.False(t, result.IsError, "request %d should succeed", i)
		require.NotEmpty(t, result.Content)
	}

	// The rollout grew and every line is still independently parseable —
	// interleaved writes from duplicate writers would corrupt it.
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(after), "\n"), "\n")
	require.Greater(t, len(lines), beforeLines)
	for i, line := range lines {
		require.True(t, strings.HasPrefix(line, "{"), "line %d should start with '{'", i)
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &v), "line %d should be valid JSON", i)
	}
}

func TestCodexResumesMostRecent(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	olderID := protocol.NewConversationID()
	newerID := protocol.NewConversationID()
	writeFakeRollout(t, h.cfg.CodexHome, "2025-01-15T10-00-00", "2025-01-15T10:00:00Z", olderID)
	writeFakeRollout(t, h.cfg.CodexHome, "2025-01-15T15-30-00", "2025-01-15T15:30:00Z", newerID)

	h.callTool(1, "codex", map[string]any{
		"prompt":              "continue from where we left off",
		"resume_last_session": true,
	})
	result := decodeToolResult(t, h.waitResponse(1))
	require.False(t, result.IsError)
	require.Equal(t, newerID, result.conversationID(t))
}

func TestCodexReply(t *testing.T) {
	h := newHarness(t, &llm.ScriptedCompleter{Responses: []string{"created", "continued"}})
	h.callTool(1, "codex", map[string]any{
		"prompt":              "start",
		"resume_last_session": false,
	})
	created := decodeToolResult(t, h.waitResponse(1))
	id := created.conversationID(t)

	h.callTool(2, "codex-reply", map[string]any{
		"conversationId": id.String(),
		"prompt":         "and then?",
	})
	replied := decodeToolResult(t, h.waitResponse(2))
	require.False(t, replied.IsError)
	require.Equal(t, "continued", replied.text())
	require.Equal(t, id, replied.conversationID(t))
}

func TestCodexReplyMissingPrompt(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.callTool(1, "codex-reply", map[string]any{
		"conversationId": protocol.NewConversationID().String(),
	})
	result := decodeToolResult(t, h.waitResponse(1))
	require.True(t, result.IsError)
	require.Contains(t, result.text(), "prompt")
}

func TestCancelledNotificationInterruptsTurn(t *testing.T) {
	blocking := &llm.BlockingCompleter{Release: make(chan struct{})}
	h := newHarness(t, blocking)
	defer close(blocking.Release)

	h.callTool(7, "codex", map[string]any{
		"prompt":              "long running request",
		"resume_last_session": false,
	})

	// The user_message event marks the turn as in flight.
	h.waitEventNotification("user_message")

	h.sendNotification("notifications/cancelled", map[string]any{
		"requestId": 7,
		"reason":    "client timeout",
	})

	result := decodeToolResult(t, h.waitResponse(7))
	require.True(t, result.IsError)
	require.Contains(t, strings.ToLower(result.text()), "interrupt")
}

func TestCancelledNotificationForUnknownRequestIsDropped(t *testing.T) {
	h := newHarness(t, llm.EchoCompleter{})
	h.sendNotification("notifications/cancelled", map[string]any{"requestId": 999})

	// The server stays responsive.
	h.sendRequest(1, "ping", map[string]any{})
	resp := h.waitResponse(1)
	require.Nil(t, resp.Error)
}

func TestRestartPersistenceByID(t *testing.T) {
	home := t.TempDir()
	id := protocol.NewConversationID()
	writeFakeRollout(t, home, "2025-01-15T14-30-00", "2025-01-15T14:30:00Z", id)

	cfg1 := &config.Config{CodexHome: home, Model: "m", Cwd: "/", Originator: "codex"}
	h1 := newHarnessWithConfig(t, llm.EchoCompleter{}, cfg1)
	h1.callTool(1, "codex", map[string]any{
		"prompt":          "what is ownership?",
		"conversation_id": id.String(),
	})
	first := decodeToolResult(t, h1.waitResponse(1))
	require.False(t, first.IsError)

	// Simulate a restart: a brand-new server over the same home must
	// resume the conversation from disk alone. Closing the input stops
	// the first server's read loop; its session stays open and keeps
	// holding the advisory lock.
	h1.in.Close()
	time.Sleep(50 * time.Millisecond)

	// The first server process would drop its locks on exit; emulate
	// that by removing them (the sessions tree itself is untouched).
	lockFiles, err := filepath.Glob(filepath.Join(home, rollout.SessionsSubdir, "*", "*", "*", "*.lock"))
	require.NoError(t, err)
	for _, lf := range lockFiles {
		require.NoError(t, os.Remove(lf))
	}

	cfg2 := &config.Config{CodexHome: home, Model: "m", Cwd: "/", Originator: "codex"}
	h2 := newHarnessWithConfig(t, llm.EchoCompleter{}, cfg2)
	h2.callTool(1, "codex", map[string]any{
		"prompt":          "can you explain borrowing?",
		"conversation_id": id.String(),
	})
	second := decodeToolResult(t, h2.waitResponse(1))
	require.False(t, second.IsError)
	require.NotEmpty(t, second.text())
}
