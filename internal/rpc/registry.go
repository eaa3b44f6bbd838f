package rpc

import (
	"regexp"

	"github.com/untoldecay/ChangeFlow/internal/pagination"
	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// Registered tool names.
const (
	ToolChangeOpen    = "change.open"
	ToolChangeArchive = "change.archive"
	ToolChangesActive = "changes.active"
)

// Lock TTL bounds accepted at the tool boundary, in seconds.
const (
	MinTTLSeconds = 60
	MaxTTLSeconds = 86400
)

// toolNamePattern bounds what a tool name may look like before the
// registry is consulted. Anything outside it is INVALID_TOOL_NAME rather
// than TOOL_NOT_FOUND.
var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)*$`)

// Tool describes one registry entry as served by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceInfo describes one readable resource family for resources/list.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Tools returns the static tool registry. A fresh slice is built per call
// so callers cannot mutate the registered schemas.
func Tools() []Tool {
	return []Tool{
		{
			Name:        ToolChangeOpen,
			Description: "Create or resume a draft change directory under an exclusive lock.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"title", "slug"},
				"properties": map[string]any{
					"title": map[string]any{
						"type": "string", "minLength": 1,
						"description": "Human title of the change.",
					},
					"slug": map[string]any{
						"type": "string", "pattern": validation.SlugPattern,
						"description": "Directory name under changes/.",
					},
					"rationale": map[string]any{
						"type":        "string",
						"description": "Why the change is needed; seeds the proposal summary.",
					},
					"owner": map[string]any{
						"type":        "string",
						"description": "Lock owner; defaults to the configured actor.",
					},
					"ttl": map[string]any{
						"type": "integer", "minimum": MinTTLSeconds, "maximum": MaxTTLSeconds,
						"description": "Lock lifetime in seconds; default 3600.",
					},
					"template": map[string]any{
						"type":        "string",
						"description": "Scaffold kind: feature, bugfix, chore, or a manifest-defined kind.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolChangeArchive,
			Description: "Validate, receipt, and move a change to the immutable archive.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"slug"},
				"properties": map[string]any{
					"slug": map[string]any{
						"type": "string", "pattern": validation.SlugPattern,
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolChangesActive,
			Description: "List active changes with stable cursor pagination.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{},
				"properties": map[string]any{
					"page": map[string]any{
						"type": "integer", "minimum": 1,
					},
					"pageSize": map[string]any{
						"type": "integer", "minimum": 1, "maximum": pagination.MaxPageSize,
					},
					"nextPageToken": map[string]any{
						"type":        "string",
						"description": "Opaque cursor from a previous page.",
					},
				},
				"additionalProperties": false,
			},
		},
	}
}

// Resources returns the readable resource families.
func Resources() []ResourceInfo {
	return []ResourceInfo{
		{
			URI:         "changes://active",
			Name:        "Active changes",
			Description: "Paginated listing of active changes; accepts page, pageSize, nextPageToken query parameters.",
			MimeType:    "application/json",
		},
		{
			URI:         "change://{slug}/proposal",
			Name:        "Change proposal",
			Description: "The proposal document of one active change.",
			MimeType:    "text/markdown",
		},
		{
			URI:         "change://{slug}/tasks",
			Name:        "Change tasks",
			Description: "The task checklist of one active change.",
			MimeType:    "text/markdown",
		},
		{
			URI:         "change://{slug}/delta/{path}",
			Name:        "Change delta artifact",
			Description: "A file under the change's delta/ subtree; MIME inferred from the extension.",
		},
	}
}

// CheckToolName distinguishes malformed names from unregistered ones.
// Transports that frame their own errors call it before dispatching.
func CheckToolName(name string) error {
	if name == "" || len(name) > 128 || !toolNamePattern.MatchString(name) {
		return types.NewError(types.CodeInvalidToolName, "malformed tool name %q", name).
			WithHint("tool names are dotted lowercase identifiers, e.g. change.open")
	}
	switch name {
	case ToolChangeOpen, ToolChangeArchive, ToolChangesActive:
		return nil
	}
	return types.NewError(types.CodeToolNotFound, "unknown tool %q", name).
		WithHint("available tools: change.open, change.archive, changes.active")
}

// openArgs is the change.open wire payload with the published constraints
// enforced before the engine runs.
type openArgs struct {
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Rationale string `json:"rationale,omitempty"`
	Owner     string `json:"owner,omitempty"`
	TTL       int64  `json:"ttl,omitempty"`
	Template  string `json:"template,omitempty"`
}

func (a *openArgs) validate() error {
	if err := validation.ValidateSlug(a.Slug); err != nil {
		return err
	}
	if a.Title == "" {
		return types.NewError(types.CodeInvalidInput, "title is required")
	}
	if a.TTL != 0 && (a.TTL < MinTTLSeconds || a.TTL > MaxTTLSeconds) {
		return types.NewError(types.CodeInvalidInput, "ttl %d is out of range", a.TTL).
			WithHint("ttl must be between %d and %d seconds", MinTTLSeconds, MaxTTLSeconds)
	}
	return nil
}

// archiveArgs is the change.archive wire payload.
type archiveArgs struct {
	Slug string `json:"slug"`
}

func (a *archiveArgs) validate() error {
	return validation.ValidateSlug(a.Slug)
}

// activeArgs is the changes.active wire payload.
type activeArgs struct {
	Page          int    `json:"page,omitempty"`
	PageSize      int    `json:"pageSize,omitempty"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

func (a *activeArgs) validate() error {
	// Zero values mean "absent"; the engine applies defaults.
	if a.Page < 0 {
		return types.NewError(types.CodeInvalidInput, "page must be >= 1, got %d", a.Page)
	}
	if a.PageSize < 0 || a.PageSize > pagination.MaxPageSize {
		return types.NewError(types.CodeInvalidInput, "pageSize must be between 1 and %d, got %d",
			pagination.MaxPageSize, a.PageSize)
	}
	return nil
}
