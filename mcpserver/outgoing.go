package mcpserver

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/deepnoodle-ai/codexd/protocol"
	"github.com/deepnoodle-ai/codexd/slogger"
)

// eventNotificationMethod carries session events to the client while a
// turn is in flight.
const eventNotificationMethod = "codex/event"

// OutgoingMessageSender owns the outbound half of the JSON-RPC stream.
// All writers funnel through one mutex-guarded encoder, so concurrent
// turn tasks can never interleave partial messages on the wire.
type OutgoingMessageSender struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger slogger.Logger
}

// NewOutgoingMessageSender wraps w (typically stdout) as the outbound
// JSON-RPC channel. Messages are LF-delimited JSON objects.
func NewOutgoingMessageSender(w io.Writer, logger slogger.Logger) *OutgoingMessageSender {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &OutgoingMessageSender{
		enc:    json.NewEncoder(w),
		logger: logger,
	}
}

func (o *OutgoingMessageSender) send(msg jsonrpcMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enc.Encode(msg); err != nil {
		o.logger.Error("failed to write outgoing message", "error", err)
	}
}

// SendResponse sends a successful JSON-RPC response.
func (o *OutgoingMessageSender) SendResponse(id mcp.RequestId, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		o.logger.Error("failed to marshal response", "error", err)
		return
	}
	o.send(jsonrpcMessage{JSONRPC: jsonrpcVersion, ID: &id, Result: payload})
}

// SendError sends a JSON-RPC error response.
func (o *OutgoingMessageSender) SendError(id mcp.RequestId, code int, message string) {
	o.send(jsonrpcMessage{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Error:   &jsonrpcError{Code: code, Message: message},
	})
}

// SendEventNotification forwards a session event to the client, tagged
// with the request id of the tool call driving the turn.
func (o *OutgoingMessageSender) SendEventNotification(requestID mcp.RequestId, evt protocol.Event) {
	msg, err := protocol.MarshalEventMsg(evt.Msg)
	if err != nil {
		o.logger.Error("failed to marshal event", "error", err)
		return
	}
	params, err := json.Marshal(struct {
		ID   string          `json:"id"`
		Msg  json.RawMessage `json:"msg"`
		Meta map[string]any  `json:"_meta"`
	}{
		ID:   evt.ID,
		Msg:  msg,
		Meta: map[string]any{"requestId": requestID},
	})
	if err != nil {
		o.logger.Error("failed to marshal event params", "error", err)
		return
	}
	o.send(jsonrpcMessage{
		JSONRPC: jsonrpcVersion,
		Method:  eventNotificationMethod,
		Params:  params,
	})
}
