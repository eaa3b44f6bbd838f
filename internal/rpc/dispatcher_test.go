package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/pagination"
	"github.com/untoldecay/ChangeFlow/internal/stream"
	"github.com/untoldecay/ChangeFlow/internal/types"
)

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *change.Repository) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	repo, err := change.NewRepository(t.TempDir(), change.Options{
		Actor: types.Actor{Type: "agent", Name: "rpc-test"},
	})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctrl := stream.NewController(stream.NewMonitor(time.Minute))
	return NewDispatcher(repo, ctrl, opts), repo
}

func call(t *testing.T, d *Dispatcher, id, method string, params any) *Response {
	t.Helper()
	req := &Request{JSONRPC: JSONRPCVersion, ID: json.RawMessage(id), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshaling params: %v", err)
		}
		req.Params = raw
	}
	return d.Handle(context.Background(), req)
}

func callTool(t *testing.T, d *Dispatcher, name string, args any) *Response {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshaling arguments: %v", err)
	}
	return call(t, d, "1", MethodToolsCall, ToolsCallParams{Name: name, Arguments: raw})
}

func toolResult(t *testing.T, resp *Response) *ToolResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	tr, ok := resp.Result.(*ToolResult)
	if !ok {
		t.Fatalf("result is %T, want *ToolResult", resp.Result)
	}
	return tr
}

func wantRPCError(t *testing.T, resp *Response, rpcCode int, code types.Code) ErrorData {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("got result %v, want rpc error %d", resp.Result, rpcCode)
	}
	if resp.Error.Code != rpcCode {
		t.Fatalf("rpc code = %d, want %d (message: %s)", resp.Error.Code, rpcCode, resp.Error.Message)
	}
	if code == "" {
		return ErrorData{}
	}
	data, ok := resp.Error.Data.(ErrorData)
	if !ok {
		t.Fatalf("error data is %T, want ErrorData", resp.Error.Data)
	}
	if data.Code != code {
		t.Fatalf("taxonomy code = %s, want %s", data.Code, code)
	}
	return data
}

func TestInitializeGatesStdioSessions(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{Transport: "stdio", RequireInit: true})

	resp := call(t, d, "1", MethodToolsList, nil)
	if resp.Error == nil || resp.Error.Code != types.RPCNotInitialized {
		t.Fatalf("pre-init tools/list = %+v, want -32002", resp)
	}

	resp = call(t, d, "2", MethodInitialize, InitializeParams{
		ProtocolVersion: "1.0",
		ClientInfo:      ClientInfo{Name: "test", Version: "0.1.0"},
	})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	init, ok := resp.Result.(InitializeResult)
	if !ok {
		t.Fatalf("initialize result is %T", resp.Result)
	}
	if init.ProtocolVersion != ProtocolVersion {
		t.Fatalf("protocolVersion = %q", init.ProtocolVersion)
	}
	if !init.Capabilities.Tools || !init.Capabilities.Resources {
		t.Fatalf("capabilities = %+v", init.Capabilities)
	}
	if init.APIVersion != "v1" {
		t.Fatalf("apiVersion = %q", init.APIVersion)
	}

	if resp := call(t, d, "3", MethodToolsList, nil); resp.Error != nil {
		t.Fatalf("post-init tools/list failed: %+v", resp.Error)
	}
}

func TestInitializeVersionNegotiation(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"", false},
		{"1.0", false},
		{"1.9", false},
		{"v1.2", false},
		{"2.0", true},
		{"v3.0.1", true},
		{"not-a-version", false},
	}
	for _, tt := range tests {
		t.Run("v="+tt.version, func(t *testing.T) {
			d, _ := newTestDispatcher(t, Options{})
			resp := call(t, d, "1", MethodInitialize, InitializeParams{ProtocolVersion: tt.version})
			if (resp.Error != nil) != tt.wantErr {
				t.Fatalf("error = %+v, wantErr %v", resp.Error, tt.wantErr)
			}
			if tt.wantErr && resp.Error.Code != types.RPCInvalidRequest {
				t.Fatalf("rpc code = %d, want %d", resp.Error.Code, types.RPCInvalidRequest)
			}
		})
	}
}

func TestToolsListRegistry(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	resp := call(t, d, "1", MethodToolsList, nil)
	if resp.Error != nil {
		t.Fatalf("tools/list: %+v", resp.Error)
	}
	list, ok := resp.Result.(ToolsListResult)
	if !ok {
		t.Fatalf("result is %T", resp.Result)
	}
	if len(list.Tools) != 3 {
		t.Fatalf("tools = %d, want 3", len(list.Tools))
	}
	byName := map[string]Tool{}
	for _, tool := range list.Tools {
		byName[tool.Name] = tool
		if tool.Description == "" || tool.InputSchema == nil {
			t.Errorf("tool %s lacks description or schema", tool.Name)
		}
	}
	open, ok := byName[ToolChangeOpen]
	if !ok {
		t.Fatal("change.open not registered")
	}
	req, _ := open.InputSchema["required"].([]string)
	if len(req) != 2 || req[0] != "title" || req[1] != "slug" {
		t.Fatalf("change.open required = %v", open.InputSchema["required"])
	}
	if _, ok := byName[ToolChangeArchive]; !ok {
		t.Fatal("change.archive not registered")
	}
	if _, ok := byName[ToolChangesActive]; !ok {
		t.Fatal("changes.active not registered")
	}
}

func TestToolsCallLifecycle(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	tr := toolResult(t, callTool(t, d, ToolChangeOpen, map[string]any{
		"title": "Add auth", "slug": "add-auth", "template": "feature", "ttl": 3600,
	}))
	if tr.IsError {
		t.Fatalf("open returned tool error: %s", tr.Content[0].Text)
	}
	var opened change.OpenResult
	if err := json.Unmarshal([]byte(tr.Content[0].Text), &opened); err != nil {
		t.Fatalf("decoding open result: %v", err)
	}
	if !opened.Created || !opened.Locked || opened.Slug != "add-auth" {
		t.Fatalf("open result = %+v", opened)
	}
	if opened.ResourceURIs.Proposal != "change://add-auth/proposal" {
		t.Fatalf("proposal uri = %q", opened.ResourceURIs.Proposal)
	}

	tr = toolResult(t, callTool(t, d, ToolChangesActive, map[string]any{}))
	var page change.ListResult
	if err := json.Unmarshal([]byte(tr.Content[0].Text), &page); err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
	if page.TotalItems != 1 || page.Items[0].Slug != "add-auth" {
		t.Fatalf("listing = %+v", page)
	}

	tr = toolResult(t, callTool(t, d, ToolChangeArchive, map[string]any{"slug": "add-auth"}))
	if tr.IsError {
		t.Fatalf("archive returned tool error: %s", tr.Content[0].Text)
	}
	var archived change.ArchiveResult
	if err := json.Unmarshal([]byte(tr.Content[0].Text), &archived); err != nil {
		t.Fatalf("decoding archive result: %v", err)
	}
	if !archived.Archived || archived.Receipt.Slug != "add-auth" {
		t.Fatalf("archive result = %+v", archived)
	}

	tr = toolResult(t, callTool(t, d, ToolChangesActive, map[string]any{}))
	if err := json.Unmarshal([]byte(tr.Content[0].Text), &page); err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 0 {
		t.Fatalf("post-archive listing has %d items", page.TotalItems)
	}
}

func TestToolsCallValidation(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		args    string
		rpcCode int
		code    types.Code
	}{
		{"missing slug", ToolChangeOpen, `{"title":"x"}`, types.RPCInvalidParams, types.CodeBadSlug},
		{"traversal slug", ToolChangeOpen, `{"title":"x","slug":"../../etc/passwd"}`, types.RPCInvalidParams, types.CodeBadSlug},
		{"missing title", ToolChangeOpen, `{"slug":"ok-slug"}`, types.RPCInvalidParams, types.CodeInvalidInput},
		{"ttl below range", ToolChangeOpen, `{"title":"x","slug":"ok-slug","ttl":30}`, types.RPCInvalidParams, types.CodeInvalidInput},
		{"ttl above range", ToolChangeOpen, `{"title":"x","slug":"ok-slug","ttl":90000}`, types.RPCInvalidParams, types.CodeInvalidInput},
		{"unknown field", ToolChangeOpen, `{"titl":"x","slug":"ok-slug"}`, types.RPCInvalidParams, types.CodeInvalidInput},
		{"archive missing slug", ToolChangeArchive, `{}`, types.RPCInvalidParams, types.CodeBadSlug},
		{"negative page", ToolChangesActive, `{"page":-1}`, types.RPCInvalidParams, types.CodeInvalidInput},
		{"oversized pageSize", ToolChangesActive, `{"pageSize":500}`, types.RPCInvalidParams, types.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, repo := newTestDispatcher(t, Options{})
			resp := call(t, d, "1", MethodToolsCall, ToolsCallParams{
				Name: tt.tool, Arguments: json.RawMessage(tt.args),
			})
			wantRPCError(t, resp, tt.rpcCode, tt.code)

			// Rejected calls never mutate the repository.
			if list, err := repo.Active(pagination.Request{}); err != nil || list.TotalItems != 0 {
				t.Fatalf("repository mutated: %v items, err %v", list.TotalItems, err)
			}
		})
	}
}

func TestToolsCallNameValidation(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	resp := callTool(t, d, "Change.Open!", map[string]any{})
	wantRPCError(t, resp, types.RPCInvalidParams, types.CodeInvalidToolName)

	resp = callTool(t, d, "change.destroy", map[string]any{})
	wantRPCError(t, resp, types.RPCMethodNotFound, types.CodeToolNotFound)
}

func TestToolsCallToolLevelErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	// Lifecycle failures ride inside the tool-result envelope.
	tr := toolResult(t, callTool(t, d, ToolChangeArchive, map[string]any{"slug": "no-such-one"}))
	if !tr.IsError {
		t.Fatal("archive of missing change did not flag IsError")
	}
	if !strings.Contains(tr.Content[0].Text, string(types.CodeNoChange)) {
		t.Fatalf("error payload = %s", tr.Content[0].Text)
	}

	toolResult(t, callTool(t, d, ToolChangeOpen, map[string]any{
		"title": "x", "slug": "held-one", "owner": "alice",
	}))
	tr = toolResult(t, callTool(t, d, ToolChangeOpen, map[string]any{
		"title": "x", "slug": "held-one", "owner": "bob",
	}))
	if !tr.IsError || !strings.Contains(tr.Content[0].Text, string(types.CodeLocked)) {
		t.Fatalf("conflicting open = %+v", tr)
	}
	if !strings.Contains(tr.Content[0].Text, "alice") {
		t.Fatal("lock error does not name the holder")
	}
}

func TestResourcesListRegistry(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	resp := call(t, d, "1", MethodResourcesList, nil)
	list, ok := resp.Result.(ResourcesListResult)
	if !ok {
		t.Fatalf("result is %T", resp.Result)
	}
	if len(list.Resources) != 4 {
		t.Fatalf("resources = %d, want 4", len(list.Resources))
	}
	if list.Resources[0].URI != "changes://active" {
		t.Fatalf("first resource = %q", list.Resources[0].URI)
	}
}

func TestResourcesReadArtifacts(t *testing.T) {
	d, repo := newTestDispatcher(t, Options{})
	res, err := repo.Open(change.OpenInput{Title: "Add auth", Slug: "add-auth"})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(res.Paths.Delta, "notes.md"), []byte("# Notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	binary := []byte{0xff, 0xfe, 0x00, 0x01, 0x80}
	if err := os.WriteFile(filepath.Join(res.Paths.Delta, "data.bin"), binary, 0o644); err != nil {
		t.Fatal(err)
	}

	read := func(uri string) *Response {
		return call(t, d, "1", MethodResourcesRead, ResourcesReadParams{URI: uri})
	}
	contents := func(resp *Response) ResourceContents {
		t.Helper()
		if resp.Error != nil {
			t.Fatalf("resources/read error: %+v", resp.Error)
		}
		rr, ok := resp.Result.(ResourcesReadResult)
		if !ok {
			t.Fatalf("result is %T", resp.Result)
		}
		if len(rr.Contents) != 1 {
			t.Fatalf("contents = %d entries", len(rr.Contents))
		}
		return rr.Contents[0]
	}

	c := contents(read("change://add-auth/proposal"))
	if c.MimeType != "text/markdown" || !strings.Contains(c.Text, "Add auth") {
		t.Fatalf("proposal = %+v", c)
	}

	c = contents(read("change://add-auth/tasks"))
	if c.MimeType != "text/markdown" || c.Text == "" {
		t.Fatalf("tasks = %+v", c)
	}

	c = contents(read("change://add-auth/delta/notes.md"))
	if c.MimeType != "text/markdown" || c.Text != "# Notes\n" {
		t.Fatalf("delta note = %+v", c)
	}

	c = contents(read("change://add-auth/delta/data.bin"))
	if c.MimeType != "application/octet-stream" || c.Text != "" {
		t.Fatalf("binary artifact = %+v", c)
	}
	decoded, err := base64.StdEncoding.DecodeString(c.Blob)
	if err != nil || string(decoded) != string(binary) {
		t.Fatalf("blob roundtrip failed: %v", err)
	}

	c = contents(read("changes://active"))
	if c.MimeType != "application/json" {
		t.Fatalf("listing mime = %q", c.MimeType)
	}
	var page change.ListResult
	if err := json.Unmarshal([]byte(c.Text), &page); err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
	if page.TotalItems != 1 {
		t.Fatalf("listing items = %d", page.TotalItems)
	}

	c = contents(read("changes://active?pageSize=1&page=1"))
	if err := json.Unmarshal([]byte(c.Text), &page); err != nil {
		t.Fatal(err)
	}
	if page.PageSize != 1 || len(page.Items) != 1 {
		t.Fatalf("bounded listing = %+v", page)
	}
}

func TestResourcesReadFailures(t *testing.T) {
	d, repo := newTestDispatcher(t, Options{})
	if _, err := repo.Open(change.OpenInput{Title: "x", Slug: "add-auth"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		uri     string
		rpcCode int
		code    types.Code
	}{
		{"traversal", "change://../../etc/passwd/proposal", types.RPCInvalidParams, types.CodePathEscape},
		{"missing change", "change://no-such-one/proposal", types.RPCInvalidParams, types.CodeNoChange},
		{"missing artifact", "change://add-auth/delta/absent.md", types.RPCInvalidParams, types.CodeNoChange},
		{"directory", "change://add-auth/delta", types.RPCInvalidParams, types.CodeInvalidInput},
		{"unknown artifact", "change://add-auth/receipt", types.RPCInvalidParams, types.CodeInvalidInput},
		{"bare change uri", "change://add-auth", types.RPCInvalidParams, types.CodeInvalidFormat},
		{"unknown listing", "changes://archive", types.RPCInvalidParams, types.CodeInvalidFormat},
		{"no scheme", "nonsense", types.RPCInvalidParams, types.CodeInvalidFormat},
		{"foreign scheme", "ftp://host/file", types.RPCInvalidParams, types.CodeInvalidScheme},
		{"bad page", "changes://active?page=x", types.RPCInvalidParams, types.CodeInvalidInput},
		{"zero pageSize", "changes://active?pageSize=0", types.RPCInvalidParams, types.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, d, "1", MethodResourcesRead, ResourcesReadParams{URI: tt.uri})
			wantRPCError(t, resp, tt.rpcCode, tt.code)
		})
	}
}

func TestResponseSizeCap(t *testing.T) {
	d, repo := newTestDispatcher(t, Options{MaxResultBytes: 64})

	resp := callTool(t, d, ToolChangeOpen, map[string]any{"title": "x", "slug": "big-result"})
	wantRPCError(t, resp, types.RPCInternalError, types.CodeResponseTooLarge)

	// The engine ran; only the response was suppressed.
	if _, err := repo.Describe("big-result"); err != nil {
		t.Fatalf("change missing after capped response: %v", err)
	}

	resp = call(t, d, "2", MethodResourcesRead, ResourcesReadParams{URI: "change://big-result/proposal"})
	wantRPCError(t, resp, types.RPCInternalError, types.CodeResponseTooLarge)
}

func TestUnknownMethodAndBadEnvelope(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	resp := call(t, d, "1", "prompts/list", nil)
	if resp.Error == nil || resp.Error.Code != types.RPCMethodNotFound {
		t.Fatalf("unknown method = %+v", resp)
	}

	resp = d.Handle(context.Background(), &Request{JSONRPC: "1.1", ID: json.RawMessage("2"), Method: MethodToolsList})
	if resp.Error == nil || resp.Error.Code != types.RPCInvalidRequest {
		t.Fatalf("bad jsonrpc version = %+v", resp)
	}

	if resp := d.Handle(context.Background(), &Request{Method: "notify/x"}); resp != nil {
		t.Fatalf("notification produced response %+v", resp)
	}
}
