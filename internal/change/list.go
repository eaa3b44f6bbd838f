package change

import (
	"github.com/untoldecay/ChangeFlow/internal/pagination"
	"github.com/untoldecay/ChangeFlow/internal/types"
)

// ListResult is the changes.active response payload.
type ListResult struct {
	Page                int            `json:"page"`
	PageSize            int            `json:"pageSize"`
	TotalItems          int            `json:"totalItems"`
	HasMore             bool           `json:"hasMore"`
	NextPageToken       string         `json:"nextPageToken,omitempty"`
	ModificationWarning bool           `json:"modificationWarning,omitempty"`
	Items               []types.Change `json:"items"`
}

// Active returns one page of the active changes, newest first. Paging is
// cursor-based: follow NextPageToken and no change that survives the whole
// walk is listed twice, even while drafts are opened and archived between
// pages. Front matter enriches each item best effort.
func (r *Repository) Active(req pagination.Request) (*ListResult, error) {
	page, err := r.pager.List(req)
	if err != nil {
		return nil, err
	}

	items := make([]types.Change, 0, len(page.Items))
	for _, it := range page.Items {
		items = append(items, r.describe(it, false))
	}

	return &ListResult{
		Page:                page.Page,
		PageSize:            page.PageSize,
		TotalItems:          page.TotalItems,
		HasMore:             page.HasMore,
		NextPageToken:       page.NextPageToken,
		ModificationWarning: page.ModificationWarning,
		Items:               items,
	}, nil
}
