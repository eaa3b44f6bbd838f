package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/pagination"
	"github.com/untoldecay/ChangeFlow/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "views",
	Short:   "List active changes",
	Long: `List active changes, newest first.

Paging is cursor-based: each page carries a token for the next one, and
a change that stays active for the whole walk is never listed twice,
even while drafts are opened and archived between pages. Pass --token
to continue where a previous page left off.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		token, _ := cmd.Flags().GetString("token")

		repo := openRepository()
		defer func() { _ = repo.Close() }()

		res, err := repo.Active(pagination.Request{Page: page, PageSize: pageSize, Token: token})
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		printChangeTable(res)
	},
}

func init() {
	listCmd.Flags().Int("page", 0, "Page number (1-based; ignored when --token is set)")
	listCmd.Flags().Int("page-size", 0, "Changes per page (max 200)")
	listCmd.Flags().String("token", "", "Cursor token from a previous page")
	rootCmd.AddCommand(listCmd)
}

func printChangeTable(res *change.ListResult) {
	if res.TotalItems == 0 {
		fmt.Println("No active changes. Run 'cf open' to start one.")
		return
	}

	rows := make([][]string, 0, len(res.Items))
	for _, ch := range res.Items {
		kind := ch.Template
		if kind == "" {
			kind = "-"
		}
		owner := ch.Owner
		if owner == "" {
			owner = "-"
		}
		rows = append(rows, []string{
			ch.Slug,
			truncate(ch.Title, 48),
			kind,
			owner,
			formatRelativeTime(ch.UpdatedAt),
		})
	}

	t := ui.NewListTable(ui.GetWidth()).
		Headers("SLUG", "TITLE", "TEMPLATE", "OWNER", "UPDATED").
		Rows(rows...)
	fmt.Println(t.String())

	if res.ModificationWarning {
		fmt.Println(ui.RenderWarn(ui.IconWarn + " The listing changed while paging; entries may have shifted."))
	}
	if res.HasMore {
		fmt.Printf("Showing %d of %d. Next page:\n  cf list --token %s\n",
			len(res.Items), res.TotalItems, res.NextPageToken)
	} else if res.Page > 1 {
		fmt.Printf("Page %d of a %d-change listing.\n", res.Page, res.TotalItems)
	} else {
		fmt.Printf("%d active change(s).\n", res.TotalItems)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// formatRelativeTime formats a time as relative (e.g., "2h ago")
func formatRelativeTime(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	} else if d < time.Hour {
		mins := int(d.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1d ago"
	}
	return fmt.Sprintf("%dd ago", days)
}
