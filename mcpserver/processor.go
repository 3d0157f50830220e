package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/conversations"
	"github.com/deepnoodle-ai/codexd/protocol"
	"github.com/deepnoodle-ai/codexd/session"
	"github.com/deepnoodle-ai/codexd/slogger"
)

const (
	serverName  = "codexd"
	serverTitle = "Codex"

	// protocolVersionFallback is advertised when the client does not
	// send a protocol version of its own.
	protocolVersionFallback = "2025-03-26"
)

// MessageProcessor dispatches JSON-RPC requests and notifications into
// the conversation manager. Tool-call turns run on detached goroutines
// so the request-processing loop stays responsive.
type MessageProcessor struct {
	outgoing    *OutgoingMessageSender
	manager     *conversations.Manager
	config      *config.Config
	logger      slogger.Logger
	initialized bool

	uaMu            sync.Mutex
	userAgentSuffix string

	// runningMu guards the request-id → conversation map used to bridge
	// cancellation notifications to in-flight turns.
	runningMu       sync.Mutex
	runningRequests map[mcp.RequestId]protocol.ConversationID

	// turnLocks serializes turns per conversation at the router level so
	// concurrent tool calls to the same id execute FIFO and each runner
	// observes only its own turn's events.
	turnLocksMu sync.Mutex
	turnLocks   map[protocol.ConversationID]*sync.Mutex
}

// NewMessageProcessor creates a processor bound to an outgoing sender and
// a conversation manager.
func NewMessageProcessor(outgoing *OutgoingMessageSender, manager *conversations.Manager, cfg *config.Config, logger slogger.Logger) *MessageProcessor {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &MessageProcessor{
		outgoing:        outgoing,
		manager:         manager,
		config:          cfg,
		logger:          logger,
		runningRequests: make(map[mcp.RequestId]protocol.ConversationID),
		turnLocks:       make(map[protocol.ConversationID]*sync.Mutex),
	}
}

// ProcessRequest dispatches a single JSON-RPC request.
func (p *MessageProcessor) ProcessRequest(ctx context.Context, msg jsonrpcMessage) {
	id := *msg.ID
	switch msg.Method {
	case "initialize":
		p.handleInitialize(id, msg.Params)
	case "ping":
		p.handlePing(id)
	case "tools/list":
		p.handleListTools(id)
	case "tools/call":
		p.handleCallTool(ctx, id, msg.Params)
	default:
		p.logger.Info("unhandled request", "method", msg.Method)
	}
}

// ProcessNotification dispatches a fire-and-forget notification.
// Unknown or malformed notifications are logged and dropped.
func (p *MessageProcessor) ProcessNotification(ctx context.Context, msg jsonrpcMessage) {
	switch msg.Method {
	case "notifications/cancelled":
		p.handleCancelled(ctx, msg.Params)
	case "notifications/initialized":
		p.logger.Debug("client initialized")
	default:
		p.logger.Info("unhandled notification", "method", msg.Method)
	}
}

// ProcessResponse handles a standalone response originating from the
// peer.
func (p *MessageProcessor) ProcessResponse(msg jsonrpcMessage) {
	p.logger.Info("received response from peer", "id", msg.ID)
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverCapabilities struct {
	Tools toolsCapability `json:"tools"`
}

type serverInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Title     string `json:"title,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

func (p *MessageProcessor) handleInitialize(id mcp.RequestId, rawParams json.RawMessage) {
	if p.initialized {
		p.outgoing.SendError(id, mcp.INVALID_REQUEST, "initialize called more than once")
		return
	}
	p.initialized = true

	var params initializeParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			p.logger.Warn("malformed initialize params", "error", err)
		}
	}
	if params.ClientInfo.Name != "" {
		p.uaMu.Lock()
		p.userAgentSuffix = fmt.Sprintf("%s; %s", params.ClientInfo.Name, params.ClientInfo.Version)
		p.uaMu.Unlock()
	}

	protocolVersion := params.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = protocolVersionFallback
	}
	p.outgoing.SendResponse(id, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools: toolsCapability{ListChanged: true},
		},
		ServerInfo: serverInfo{
			Name:      serverName,
			Version:   config.CLIVersion,
			Title:     serverTitle,
			UserAgent: p.userAgent(),
		},
	})
}

func (p *MessageProcessor) userAgent() string {
	ua := fmt.Sprintf("%s/%s", serverName, config.CLIVersion)
	p.uaMu.Lock()
	defer p.uaMu.Unlock()
	if p.userAgentSuffix != "" {
		ua = fmt.Sprintf("%s (%s)", ua, p.userAgentSuffix)
	}
	return ua
}

func (p *MessageProcessor) handlePing(id mcp.RequestId) {
	p.outgoing.SendResponse(id, struct{}{})
}

func (p *MessageProcessor) handleListTools(id mcp.RequestId) {
	p.outgoing.SendResponse(id, mcp.ListToolsResult{
		Tools: []mcp.Tool{codexTool(), codexReplyTool()},
	})
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (p *MessageProcessor) handleCallTool(ctx context.Context, id mcp.RequestId, rawParams json.RawMessage) {
	var params callToolParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Malformed tools/call params: %v", err)))
		return
	}
	switch params.Name {
	case codexToolName:
		p.handleToolCallCodex(ctx, id, params.Arguments)
	case codexReplyToolName:
		p.handleToolCallCodexReply(ctx, id, params.Arguments)
	default:
		// Unknown tools are tool-result errors, not JSON-RPC errors.
		p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Unknown tool '%s'", params.Name)))
	}
}

func (p *MessageProcessor) handleToolCallCodex(ctx context.Context, id mcp.RequestId, rawArgs json.RawMessage) {
	if len(rawArgs) == 0 {
		p.outgoing.SendResponse(id, errorResult("Missing arguments for codex tool-call; the `prompt` field is required."))
		return
	}
	var args codexToolArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Failed to parse configuration for Codex tool: %v", err)))
		return
	}
	if args.Prompt == "" {
		p.outgoing.SendResponse(id, errorResult("The `prompt` field is required and must be a non-empty string."))
		return
	}

	cfg := p.config
	if args.Cwd != "" {
		cfg = cfg.WithCwd(args.Cwd)
	}

	// Resolve which conversation this turn targets. A nil handle means
	// "start a new conversation" inside the detached turn task.
	var conv *session.Conversation
	if args.ConversationID != "" {
		convID, err := protocol.ParseConversationID(args.ConversationID)
		if err != nil {
			p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Invalid conversation ID format: %v", err)))
			return
		}
		conv, err = p.manager.GetOrResumeConversation(ctx, convID, cfg)
		if err != nil {
			if conversations.IsNotFound(err) {
				p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Conversation not found on disk: %s", args.ConversationID)))
			} else {
				p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Failed to resume conversation %s: %v", args.ConversationID, err)))
			}
			return
		}
	} else if args.ResumeLastSession == nil || *args.ResumeLastSession {
		existing, err := p.manager.GetMostRecentConversation(ctx, cfg)
		if err != nil {
			// A damaged sessions tree should not block new work.
			p.logger.Warn("failed to resume most recent conversation", "error", err)
		} else {
			conv = existing
		}
	}

	go p.runToolTurn(id, args.Prompt, cfg, conv)
}

func (p *MessageProcessor) handleToolCallCodexReply(ctx context.Context, id mcp.RequestId, rawArgs json.RawMessage) {
	if len(rawArgs) == 0 {
		p.outgoing.SendResponse(id, errorResult("Missing arguments for codex-reply tool-call; `conversationId` and `prompt` are required."))
		return
	}
	var args codexReplyToolArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Failed to parse arguments for codex-reply tool: %v", err)))
		return
	}
	if args.Prompt == "" {
		p.outgoing.SendResponse(id, errorResult("The `prompt` field is required and must be a non-empty string."))
		return
	}
	convID, err := protocol.ParseConversationID(args.ConversationID)
	if err != nil {
		p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Invalid conversation ID format: %v", err)))
		return
	}
	conv, err := p.manager.GetOrResumeConversation(ctx, convID, p.config)
	if err != nil {
		if conversations.IsNotFound(err) {
			p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Conversation not found on disk: %s", args.ConversationID)))
		} else {
			p.outgoing.SendResponse(id, errorResult(fmt.Sprintf("Failed to resume conversation %s: %v", args.ConversationID, err)))
		}
		return
	}

	go p.runToolTurn(id, args.Prompt, p.config, conv)
}

// handleCancelled bridges an MCP cancelled notification to an Interrupt
// submission on the conversation driving the cancelled request.
func (p *MessageProcessor) handleCancelled(ctx context.Context, rawParams json.RawMessage) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil {
		p.logger.Warn("malformed cancelled notification", "error", err)
		return
	}
	var requestID mcp.RequestId
	if err := json.Unmarshal(params.RequestID, &requestID); err != nil {
		p.logger.Warn("malformed cancelled requestId", "error", err)
		return
	}

	p.runningMu.Lock()
	convID, ok := p.runningRequests[requestID]
	p.runningMu.Unlock()
	if !ok {
		p.logger.Warn("no running turn for cancelled request", "request_id", requestIDKey(requestID))
		return
	}

	conv, err := p.manager.GetOrResumeConversation(ctx, convID, p.config)
	if err != nil {
		p.logger.Warn("conversation gone for cancelled request", "conversation_id", convID.String())
		return
	}
	if err := conv.SubmitWithID(ctx, protocol.Submission{
		ID: requestIDKey(requestID),
		Op: protocol.InterruptOp{},
	}); err != nil {
		p.logger.Error("failed to submit interrupt", "error", err)
		return
	}

	p.runningMu.Lock()
	delete(p.runningRequests, requestID)
	p.runningMu.Unlock()
}

// turnLock returns the per-conversation turn mutex, creating it lazily.
func (p *MessageProcessor) turnLock(id protocol.ConversationID) *sync.Mutex {
	p.turnLocksMu.Lock()
	defer p.turnLocksMu.Unlock()
	lock, ok := p.turnLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		p.turnLocks[id] = lock
	}
	return lock
}

func errorResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultError(text)
}
