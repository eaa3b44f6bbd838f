package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

// StdioServer speaks line-delimited JSON-RPC on a reader/writer pair:
// one request per line in, one response per line out, no framing headers.
// Processing is serial, so response order equals request order.
type StdioServer struct {
	disp *Dispatcher
	in   io.Reader
	out  io.Writer
}

// NewStdioServer creates a transport bound to in/out, normally the
// process's stdin and stdout.
func NewStdioServer(d *Dispatcher, in io.Reader, out io.Writer) *StdioServer {
	return &StdioServer{disp: d, in: in, out: out}
}

// Serve processes requests until EOF on the input, which is the session's
// only cancellation signal: in-flight work completes, then Serve returns
// nil. Context cancellation stops the loop between requests.
func (s *StdioServer) Serve(ctx context.Context) error {
	reader := bufio.NewReaderSize(s.in, 64<<10)
	writer := bufio.NewWriter(s.out)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if resp := s.process(ctx, trimmed); resp != nil {
				if err := writeResponse(writer, resp); err != nil {
					return fmt.Errorf("writing response: %w", err)
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading request: %w", readErr)
		}
	}
}

func (s *StdioServer) process(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		// Parse failures carry a null id per JSON-RPC 2.0.
		return rpcError(nil, types.RPCParseError, fmt.Sprintf("invalid json: %v", err), nil)
	}
	return s.disp.Handle(ctx, &req)
}

func writeResponse(w *bufio.Writer, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		// The response itself failed to encode; degrade to a plain
		// internal error so the client is never left hanging.
		payload, _ = json.Marshal(rpcError(resp.ID, types.RPCInternalError, "response encoding failed", nil))
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
