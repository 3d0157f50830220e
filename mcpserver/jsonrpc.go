package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

const jsonrpcVersion = "2.0"

// jsonrpcMessage is the wire envelope for every inbound and outbound
// JSON-RPC 2.0 message. A message with a method and an id is a request;
// method without id is a notification; result/error without method is a
// response from the peer.
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *mcp.RequestId  `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// jsonrpcError is the error object in a JSON-RPC 2.0 response.
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *jsonrpcError) Error() string { return e.Message }

func (m jsonrpcMessage) isRequest() bool {
	return m.Method != "" && m.ID != nil
}

func (m jsonrpcMessage) isNotification() bool {
	return m.Method != "" && m.ID == nil
}

// requestIDKey renders a request id as a stable string, used both as the
// Interrupt submission id and for logging.
func requestIDKey(id mcp.RequestId) string {
	switch v := id.Value().(type) {
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%d", int64(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}
