package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/untoldecay/ChangeFlow/internal/rpc"
	"github.com/untoldecay/ChangeFlow/internal/types"
)

// toolRequest is the body both POST endpoints accept.
type toolRequest struct {
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input"`
	APIVersion string          `json:"apiVersion,omitempty"`
}

// sseResult is the data payload of the terminal result event.
type sseResult struct {
	APIVersion string    `json:"apiVersion"`
	Tool       string    `json:"tool"`
	StartedAt  time.Time `json:"startedAt"`
	Result     any       `json:"result"`
	Duration   int64     `json:"duration"` // milliseconds
}

type toolOutcome struct {
	result any
	err    error
}

// decodeToolRequest reads and validates the request body. Failures here
// happen before any streaming response begins, so they surface as plain
// JSON envelopes.
func (s *Server) decodeToolRequest(c echo.Context) (*toolRequest, error) {
	var req toolRequest
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, types.NewError(types.CodeInvalidInput, "invalid request body: %v", err).
			WithHint(`send {"tool": <name>, "input": <object>}`)
	}
	if req.Tool == "" {
		return nil, types.NewError(types.CodeInvalidInput, "tool is required")
	}
	// Reject unknown tools here so they answer with a status instead of
	// a mid-stream error event.
	if err := rpc.CheckToolName(req.Tool); err != nil {
		return nil, err
	}
	if req.APIVersion != "" && req.APIVersion != s.repo.APIVersion() {
		return nil, types.NewError(types.CodeInvalidInput,
			"unsupported apiVersion %q, server speaks %q", req.APIVersion, s.repo.APIVersion())
	}
	return &req, nil
}

// startTool runs the tool in its own goroutine so handlers can emit
// keepalives while waiting. The buffered channel lets an abandoned tool
// finish its filesystem work after the client is gone.
func (s *Server) startTool(req *toolRequest, reqID string) <-chan toolOutcome {
	ch := make(chan toolOutcome, 1)
	go func() {
		res, err := s.callTool(req.Tool, reqID, req.Input)
		ch <- toolOutcome{result: res, err: err}
	}()
	return ch
}

func (s *Server) timeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 30 * time.Second
}

// marshalCapped serializes v and enforces the response size cap.
func (s *Server) marshalCapped(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, types.NewError(types.CodeIO, "encoding response: %v", err)
	}
	if max := s.cfg.MaxResponseBytes; max > 0 && int64(len(payload)) > max {
		return nil, types.NewError(types.CodeResponseTooLarge,
			"response is %d bytes, cap is %d", len(payload), max).
			WithHint("narrow the request, e.g. a smaller pageSize")
	}
	return payload, nil
}

// handleSSE answers one tool call as a Server-Sent Events stream:
// keepalive comments while the tool runs, then exactly one result or
// error event, then the connection closes.
func (s *Server) handleSSE(c echo.Context) error {
	req, err := s.decodeToolRequest(c)
	if err != nil {
		return s.writeError(c, err)
	}

	res := c.Response()
	h := res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	started := time.Now()
	reqID := requestID(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.timeout())
	defer cancel()

	done := s.startTool(req, reqID)
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(res, ": keepalive %s\n\n", time.Now().UTC().Format(time.RFC3339))
			res.Flush()

		case out := <-done:
			if out.err != nil {
				s.writeSSEEvent(c, "error", reqID, s.envelope(c, types.Wrap(out.err, types.CodeIO)))
				return nil
			}
			payload, err := s.marshalCapped(sseResult{
				APIVersion: s.repo.APIVersion(),
				Tool:       req.Tool,
				StartedAt:  started.UTC(),
				Result:     out.result,
				Duration:   time.Since(started).Milliseconds(),
			})
			if err != nil {
				s.writeSSEEvent(c, "error", reqID, s.envelope(c, types.Wrap(err, types.CodeIO)))
				return nil
			}
			s.writeSSERaw(c, "result", reqID, payload)
			return nil

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				werr := types.NewError(types.CodeRequestTimeout,
					"tool %s exceeded the %s request timeout", req.Tool, s.timeout())
				s.writeSSEEvent(c, "error", reqID, s.envelope(c, werr))
			}
			// Client gone: nothing left to write. The tool goroutine
			// finishes its filesystem work on its own.
			return nil
		}
	}
}

func (s *Server) writeSSEEvent(c echo.Context, event, id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encoding sse event", "err", err)
		return
	}
	s.writeSSERaw(c, event, id, data)
}

func (s *Server) writeSSERaw(c echo.Context, event, id string, data []byte) {
	res := c.Response()
	fmt.Fprintf(res, "event: %s\nid: %s\ndata: %s\n\n", event, id, data)
	res.Flush()
}

// ndjsonLine is one line of the POST /mcp response.
type ndjsonLine struct {
	Type       string     `json:"type"`
	TS         time.Time  `json:"ts"`
	Tool       string     `json:"tool,omitempty"`
	APIVersion string     `json:"apiVersion,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      *wireError `json:"error,omitempty"`
}

// handleNDJSON answers one tool call as three NDJSON lines: start, then
// result or error, then end.
func (s *Server) handleNDJSON(c echo.Context) error {
	req, err := s.decodeToolRequest(c)
	if err != nil {
		return s.writeError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)

	writeLine := func(line ndjsonLine) {
		data, err := json.Marshal(line)
		if err != nil {
			s.logger.Error("encoding ndjson line", "err", err)
			return
		}
		res.Write(append(data, '\n'))
		res.Flush()
	}

	writeLine(ndjsonLine{
		Type:       "start",
		TS:         time.Now().UTC(),
		Tool:       req.Tool,
		APIVersion: s.repo.APIVersion(),
	})

	reqID := requestID(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.timeout())
	defer cancel()

	var out toolOutcome
	select {
	case out = <-s.startTool(req, reqID):
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = types.NewError(types.CodeRequestTimeout,
				"tool %s exceeded the %s request timeout", req.Tool, s.timeout())
		} else {
			return nil // client gone
		}
	}

	if out.err == nil {
		// Enforce the cap on the serialized result before framing it.
		if payload, capErr := s.marshalCapped(out.result); capErr != nil {
			out.err = capErr
		} else {
			writeLine(ndjsonLine{Type: "result", TS: time.Now().UTC(), Result: json.RawMessage(payload)})
		}
	}
	if out.err != nil {
		we := types.Wrap(out.err, types.CodeIO)
		writeLine(ndjsonLine{Type: "error", TS: time.Now().UTC(), Error: &wireError{
			Code:       we.Code.HTTPWireCode(),
			Message:    we.Message,
			Hint:       we.Hint,
			Details:    we.Details,
			RetryAfter: we.RetryAfter,
		}})
	}

	writeLine(ndjsonLine{Type: "end", TS: time.Now().UTC()})
	return nil
}

// descriptor is the GET / response.
type descriptor struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	APIVersion      string   `json:"apiVersion"`
	ProtocolVersion string   `json:"protocolVersion"`
	Endpoints       []string `json:"endpoints"`
	Tools           []string `json:"tools"`
}

func (s *Server) handleDescriptor(c echo.Context) error {
	tools := rpc.Tools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return c.JSON(http.StatusOK, descriptor{
		Name:            "changeflow",
		Version:         s.version,
		APIVersion:      s.repo.APIVersion(),
		ProtocolVersion: rpc.ProtocolVersion,
		Endpoints:       []string{"POST /sse", "POST /mcp", "GET /healthz", "GET /readyz", "GET /"},
		Tools:           names,
	})
}
