package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/mod/semver"

	"github.com/untoldecay/ChangeFlow/internal/audit"
	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/pagination"
	"github.com/untoldecay/ChangeFlow/internal/resource"
	"github.com/untoldecay/ChangeFlow/internal/stream"
	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// DefaultMaxResultBytes caps a single tool or resource result.
const DefaultMaxResultBytes = 1 << 20

// Options configures a Dispatcher beyond its collaborators.
type Options struct {
	// Transport is recorded on audit entries ("stdio" or "http").
	Transport string
	// RequireInit gates every method behind initialize. Stdio sessions
	// set it; HTTP treats initialize as idempotent and optional.
	RequireInit bool
	// ServerName and ServerVersion identify the server at initialize.
	ServerName    string
	ServerVersion string
	// Actor is recorded on tool-call audit entries.
	Actor string
	// StreamThreshold overrides the size above which artifact reads
	// stream; zero keeps the reader default.
	StreamThreshold int64
	// MaxResultBytes caps serialized results; zero means the default.
	MaxResultBytes int64
	// Audit receives one tool_call entry per tools/call; nil disables.
	Audit *audit.Log
}

// Dispatcher routes JSON-RPC requests onto the workflow engine. One
// instance serves all transports; it is safe for concurrent use because
// the engine is stateless and session state is a single atomic flag.
type Dispatcher struct {
	repo *change.Repository
	ctrl *stream.Controller

	transport       string
	requireInit     bool
	serverName      string
	serverVersion   string
	actor           string
	streamThreshold int64
	maxResultBytes  int64
	audit           *audit.Log

	initialized atomic.Bool
	now         func() time.Time
}

// NewDispatcher creates a dispatcher serving repo, admitting artifact
// streams through ctrl.
func NewDispatcher(repo *change.Repository, ctrl *stream.Controller, opts Options) *Dispatcher {
	log := opts.Audit
	if log == nil {
		log = audit.Disabled()
	}
	maxBytes := opts.MaxResultBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResultBytes
	}
	name := opts.ServerName
	if name == "" {
		name = "changeflow"
	}
	return &Dispatcher{
		repo:            repo,
		ctrl:            ctrl,
		transport:       opts.Transport,
		requireInit:     opts.RequireInit,
		serverName:      name,
		serverVersion:   opts.ServerVersion,
		actor:           opts.Actor,
		streamThreshold: opts.StreamThreshold,
		maxResultBytes:  maxBytes,
		audit:           log,
		now:             time.Now,
	}
}

// Initialized reports whether the session negotiated initialize.
func (d *Dispatcher) Initialized() bool {
	return d.initialized.Load()
}

// Handle processes one request and returns its response, or nil for
// notifications.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	if req.IsNotification() {
		// Notifications expect no response; none are acted on today.
		return nil
	}
	if req.JSONRPC != "" && req.JSONRPC != JSONRPCVersion {
		return rpcError(req.ID, types.RPCInvalidRequest,
			fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC), nil)
	}
	if req.Method == "" {
		return rpcError(req.ID, types.RPCInvalidRequest, "method is required", nil)
	}
	if d.requireInit && !d.initialized.Load() && req.Method != MethodInitialize {
		return rpcError(req.ID, types.RPCNotInitialized,
			"session not initialized", ErrorData{Hint: "call initialize first"})
	}

	switch req.Method {
	case MethodInitialize:
		return d.handleInitialize(req)
	case MethodToolsList:
		return result(req.ID, ToolsListResult{Tools: Tools()})
	case MethodToolsCall:
		return d.handleToolsCall(req)
	case MethodResourcesList:
		return result(req.ID, ResourcesListResult{Resources: Resources()})
	case MethodResourcesRead:
		return d.handleResourcesRead(ctx, req)
	default:
		return rpcError(req.ID, types.RPCMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (d *Dispatcher) handleInitialize(req *Request) *Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req.ID, types.RPCInvalidParams,
				fmt.Sprintf("invalid initialize params: %v", err), nil)
		}
	}
	if err := checkProtocolVersion(params.ProtocolVersion); err != nil {
		return rpcError(req.ID, types.RPCInvalidRequest, err.Error(), nil)
	}
	d.initialized.Store(true)
	return result(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ServerInfo{Name: d.serverName, Version: d.serverVersion},
		Capabilities:    Capabilities{Tools: true, Resources: true},
		APIVersion:      d.repo.APIVersion(),
	})
}

// checkProtocolVersion accepts any client within the server's major
// protocol version. Empty or non-semver client versions are allowed so
// dev builds can connect.
func checkProtocolVersion(clientVersion string) error {
	if clientVersion == "" {
		return nil
	}
	serverVer := "v" + ProtocolVersion
	clientVer := clientVersion
	if !strings.HasPrefix(clientVer, "v") {
		clientVer = "v" + clientVer
	}
	if !semver.IsValid(clientVer) {
		return nil
	}
	if semver.Major(serverVer) != semver.Major(clientVer) {
		return fmt.Errorf("incompatible protocol version %s: server speaks %s and accepts the same major version only",
			clientVersion, ProtocolVersion)
	}
	return nil
}

// runTool executes one registered tool against the workflow engine. It
// returns the slug (when the tool names one) for audit tagging.
func (d *Dispatcher) runTool(name string, args json.RawMessage) (res any, slug string, err error) {
	if len(args) == 0 {
		args = []byte("{}")
	}

	switch name {
	case ToolChangeOpen:
		var a openArgs
		if err = strictUnmarshal(args, &a); err == nil {
			if err = a.validate(); err == nil {
				res, err = d.repo.Open(change.OpenInput{
					Title:     a.Title,
					Slug:      a.Slug,
					Kind:      a.Template,
					Rationale: a.Rationale,
					Owner:     a.Owner,
					TTL:       a.TTL,
				})
			}
		}
		slug = a.Slug
	case ToolChangeArchive:
		var a archiveArgs
		if err = strictUnmarshal(args, &a); err == nil {
			if err = a.validate(); err == nil {
				res, err = d.repo.Archive(a.Slug)
			}
		}
		slug = a.Slug
	case ToolChangesActive:
		var a activeArgs
		if err = strictUnmarshal(args, &a); err == nil {
			if err = a.validate(); err == nil {
				res, err = d.repo.Active(pagination.Request{
					Page:     a.Page,
					PageSize: a.PageSize,
					Token:    a.NextPageToken,
				})
			}
		}
	}
	return res, slug, err
}

// CallTool executes a tool for transports that frame their own responses
// (the HTTP endpoints). The name is validated against the registry, the
// call is audited under requestID, and errors carry taxonomy codes.
func (d *Dispatcher) CallTool(name, requestID string, args json.RawMessage) (any, error) {
	start := d.now()
	if err := CheckToolName(name); err != nil {
		return nil, err
	}
	res, slug, err := d.runTool(name, args)
	d.recordToolCall(name, slug, requestID, start, err)
	return res, err
}

func (d *Dispatcher) handleToolsCall(req *Request) *Response {
	start := d.now()

	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, types.RPCInvalidParams,
			fmt.Sprintf("params must carry name and arguments: %v", err), nil)
	}
	if err := CheckToolName(params.Name); err != nil {
		return projectError(req.ID, err)
	}

	res, slug, callErr := d.runTool(params.Name, params.Arguments)
	d.recordToolCall(params.Name, slug, strings.Trim(string(req.ID), `"`), start, callErr)

	if callErr != nil {
		we := types.Wrap(callErr, types.CodeIO)
		if we.Code.ToolLevel() {
			return result(req.ID, errorToolResult(we))
		}
		return projectError(req.ID, we)
	}

	tr, err := textResult(res)
	if err != nil {
		return projectError(req.ID, err)
	}
	if err := d.checkResultSize(len(tr.Content[0].Text)); err != nil {
		return projectError(req.ID, err)
	}
	return result(req.ID, tr)
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *Request) *Response {
	var params ResourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, types.RPCInvalidParams,
			fmt.Sprintf("params must carry a uri: %v", err), nil)
	}
	if params.URI == "" {
		return projectError(req.ID, types.NewError(types.CodeInvalidInput, "uri is required"))
	}

	u, err := resource.Parse(params.URI)
	if err != nil {
		return projectError(req.ID, err)
	}
	if u.Security.HasPathTraversal {
		werr := types.NewError(types.CodePathEscape, "uri %q contains traversal markers", params.URI)
		for i, w := range u.Security.Warnings {
			werr = werr.WithDetail(fmt.Sprintf("warning%d", i+1), w)
		}
		return projectError(req.ID, werr)
	}

	var contents ResourceContents
	switch u.Scheme {
	case resource.SchemeChanges:
		contents, err = d.readListing(u)
	case resource.SchemeChange:
		contents, err = d.readArtifact(ctx, u)
	default:
		err = types.NewError(types.CodeInvalidScheme, "unsupported uri scheme %q", u.Scheme)
	}
	if err != nil {
		return projectError(req.ID, err)
	}
	if err := d.checkResultSize(len(contents.Text) + len(contents.Blob)); err != nil {
		return projectError(req.ID, err)
	}
	return result(req.ID, ResourcesReadResult{Contents: []ResourceContents{contents}})
}

// readListing serves changes://active with pagination parameters drawn
// from the query string.
func (d *Dispatcher) readListing(u *resource.URI) (ResourceContents, error) {
	if u.Host != "active" || len(u.Segments) > 0 {
		return ResourceContents{}, types.NewError(types.CodeInvalidFormat,
			"unknown listing resource %q", u.Raw).
			WithHint("the only listing resource is changes://active")
	}

	var preq pagination.Request
	var err error
	if v, ok := u.Query["page"]; ok {
		if preq.Page, err = strconv.Atoi(v); err != nil || preq.Page < 1 {
			return ResourceContents{}, types.NewError(types.CodeInvalidInput, "page %q is not a positive integer", v)
		}
	}
	if v, ok := u.Query["pageSize"]; ok {
		if preq.PageSize, err = strconv.Atoi(v); err != nil || preq.PageSize < 1 || preq.PageSize > pagination.MaxPageSize {
			return ResourceContents{}, types.NewError(types.CodeInvalidInput,
				"pageSize %q must be an integer between 1 and %d", v, pagination.MaxPageSize)
		}
	}
	if v, ok := u.Query["nextPageToken"]; ok {
		preq.Token = v
	}

	page, err := d.repo.Active(preq)
	if err != nil {
		return ResourceContents{}, err
	}
	payload, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return ResourceContents{}, types.NewError(types.CodeIO, "encoding listing: %v", err)
	}
	return ResourceContents{
		URI:      u.Raw,
		MimeType: "application/json",
		Text:     string(payload),
	}, nil
}

// readArtifact serves change://<slug>/... through the streaming reader.
func (d *Dispatcher) readArtifact(ctx context.Context, u *resource.URI) (ResourceContents, error) {
	if u.Security.HasInvalidSlug {
		if err := validation.ValidateSlug(u.Host); err != nil {
			return ResourceContents{}, err
		}
	}
	if len(u.Segments) == 0 {
		return ResourceContents{}, types.NewError(types.CodeInvalidFormat,
			"uri %q names a change but no artifact", u.Raw).
			WithHint("append /proposal, /tasks, or /delta/<path>")
	}

	path, err := d.repo.ArtifactPath(u.Host, u.Segments)
	if err != nil {
		return ResourceContents{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ResourceContents{}, types.NewError(types.CodeNoChange,
				"artifact %q does not exist in change %q", u.ArtifactPath(), u.Host)
		}
		return ResourceContents{}, types.NewError(types.CodeIO, "reading artifact: %v", err)
	}
	if info.IsDir() {
		return ResourceContents{}, types.NewError(types.CodeInvalidInput,
			"%q is a directory", u.ArtifactPath()).
			WithHint("name a file under delta/, e.g. delta/notes.md")
	}

	data, _, err := stream.ReadArtifact(ctx, path, d.ctrl, d.streamThreshold)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return ResourceContents{}, types.NewError(types.CodeRequestTimeout, "artifact read timed out")
		case errors.Is(err, context.Canceled):
			return ResourceContents{}, types.NewError(types.CodeIO, "artifact read canceled")
		default:
			return ResourceContents{}, types.Wrap(err, types.CodeIO)
		}
	}

	// Re-infer the type from the resolved file: bare artifact names such
	// as "proposal" carry no extension in the URI.
	mime := resource.MIMEForPath(path)
	contents := ResourceContents{URI: u.Raw, MimeType: mime}
	if textualMIME(mime) && utf8.Valid(data) {
		contents.Text = string(data)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return contents, nil
}

// textualMIME reports whether a payload of this type is served as text.
func textualMIME(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/yaml", "application/toml", "application/xml", "image/svg+xml":
		return true
	}
	return false
}

// checkResultSize enforces the response cap before a result is framed.
func (d *Dispatcher) checkResultSize(n int) error {
	if int64(n) <= d.maxResultBytes {
		return nil
	}
	return types.NewError(types.CodeResponseTooLarge,
		"result is %d bytes, cap is %d", n, d.maxResultBytes).
		WithHint("narrow the request: smaller pageSize or a specific artifact")
}

// strictUnmarshal decodes JSON rejecting unknown fields, mirroring the
// published schemas' additionalProperties: false.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.NewError(types.CodeInvalidInput, "invalid arguments: %v", err)
	}
	if dec.More() {
		return types.NewError(types.CodeInvalidInput, "invalid arguments: trailing data")
	}
	return nil
}

// recordToolCall appends the transport-level audit entry, best effort.
func (d *Dispatcher) recordToolCall(tool, slug, requestID string, start time.Time, callErr error) {
	if !d.audit.Enabled() {
		return
	}
	code := ""
	if callErr != nil {
		code = string(types.ErrCode(callErr))
	}
	_ = d.audit.ToolCall(tool, slug, d.actor, d.transport, requestID, d.now().Sub(start), code, callErr)
}
