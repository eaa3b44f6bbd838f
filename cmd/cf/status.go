package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/ChangeFlow/internal/config"
	"github.com/untoldecay/ChangeFlow/internal/gitinfo"
	"github.com/untoldecay/ChangeFlow/internal/timeparsing"
	"github.com/untoldecay/ChangeFlow/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "views",
	Short:   "Show repository status and configuration",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		repo := openRepository()
		defer func() { _ = repo.Close() }()

		st, err := repo.Status()
		if err != nil {
			FatalError("%v", err)
		}
		branch := gitinfo.NewCollector(st.Root).Branch()

		cfg := config.Server()
		if jsonOutput {
			outputJSON(map[string]any{
				"root":     st.Root,
				"branch":   branch,
				"active":   st.Active,
				"archived": st.Archived,
				"locks":    st.Locks,
				"config": map[string]any{
					"actor":         actor,
					"ttl":           config.GetInt("ttl"),
					"template":      config.GetString("template"),
					"audit":         config.GetBool("audit.enabled"),
					"serverAddr":    cfg.Addr(),
					"authTokens":    len(cfg.AuthTokens),
					"cursorSigning": config.GetString("pagination.signing-key") != "",
				},
			})
			return
		}

		fmt.Printf("\n%s\n", ui.RenderBold("REPOSITORY"))
		fmt.Printf("  Root:     %s\n", collapseHome(st.Root))
		if branch != "" {
			fmt.Printf("  Branch:   %s\n", branch)
		}
		fmt.Printf("  Active:   %d\n", st.Active)
		fmt.Printf("  Archived: %d\n", st.Archived)

		if len(st.Locks) > 0 {
			fmt.Printf("\n%s\n", ui.RenderBold("LIVE LOCKS"))
			for _, l := range st.Locks {
				remaining := int64(time.Until(l.ExpiresAt).Seconds())
				if remaining < 0 {
					remaining = 0
				}
				fmt.Printf("  %s  held by %s, expires in %s\n",
					ui.RenderSlug(l.Slug), l.Owner, timeparsing.FormatSeconds(remaining))
			}
		}

		auth := ui.RenderWarn(ui.IconWarn + " anonymous")
		if len(cfg.AuthTokens) > 0 {
			auth = fmt.Sprintf("%d bearer token(s)", len(cfg.AuthTokens))
		}
		signing := "off"
		if config.GetString("pagination.signing-key") != "" {
			signing = "on"
		}

		fmt.Printf("\n%s\n", ui.RenderBold("CONFIG"))
		fmt.Printf("  Actor:          %s\n", actor)
		fmt.Printf("  Default TTL:    %s\n", timeparsing.FormatSeconds(int64(config.GetInt("ttl"))))
		fmt.Printf("  Template:       %s\n", config.GetString("template"))
		fmt.Printf("  Audit log:      %s\n", formatEnabled(config.GetBool("audit.enabled")))
		fmt.Printf("  Server:         %s\n", cfg.Addr())
		fmt.Printf("  Auth:           %s\n", auth)
		fmt.Printf("  Cursor signing: %s\n", signing)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// collapseHome shortens paths under $HOME to ~/ for display.
func collapseHome(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}

func formatEnabled(on bool) string {
	if on {
		return ui.RenderPass("enabled")
	}
	return ui.RenderMuted("disabled")
}
