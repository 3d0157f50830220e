// Package mcpserver exposes the conversation manager over the Model
// Context Protocol. It speaks JSON-RPC 2.0 over LF-delimited JSON on a
// stdio-style byte stream: requests and notifications in, responses and
// event notifications out.
package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/conversations"
	"github.com/deepnoodle-ai/codexd/slogger"
)

// maxMessageSize bounds a single inbound JSON-RPC message.
const maxMessageSize = 8 * 1024 * 1024

// ServerOptions configures a Server.
type ServerOptions struct {
	Manager *conversations.Manager
	Config  *config.Config
	Logger  slogger.Logger

	// In and Out default to stdin and stdout.
	In  io.Reader
	Out io.Writer
}

// Server runs the request-ingest loop. The loop itself never blocks on a
// turn: tool calls are driven on detached goroutines by the processor.
type Server struct {
	processor *MessageProcessor
	logger    slogger.Logger
	in        io.Reader
}

// NewServer wires an outgoing sender and message processor around the
// given streams.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	outgoing := NewOutgoingMessageSender(out, logger)
	return &Server{
		processor: NewMessageProcessor(outgoing, opts.Manager, opts.Config, logger),
		logger:    logger,
		in:        in,
	}
}

// Processor exposes the message processor, used by tests that drive the
// server without a byte stream.
func (s *Server) Processor() *MessageProcessor {
	return s.processor
}

// Serve reads messages until EOF or ctx cancellation. Malformed lines are
// logged and skipped.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg jsonrpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("malformed json-rpc message", "error", err)
			continue
		}
		switch {
		case msg.isRequest():
			s.processor.ProcessRequest(ctx, msg)
		case msg.isNotification():
			s.processor.ProcessNotification(ctx, msg)
		default:
			s.processor.ProcessResponse(msg)
		}
	}
	return scanner.Err()
}
