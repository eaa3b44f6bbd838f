package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/untoldecay/ChangeFlow/internal/ui"
)

var showCmd = &cobra.Command{
	Use:     "show <slug> [artifact]",
	GroupID: "views",
	Short:   "Show a change's proposal, tasks, or a delta file",
	Long: `Show one artifact of an active change.

The artifact defaults to the proposal; 'tasks' and 'delta/<path>' select
the others. Markdown renders styled on a terminal and passes through
untouched when piped or with --raw.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		slug := args[0]
		artifact := "proposal"
		if len(args) > 1 {
			artifact = strings.Trim(args[1], "/")
		}
		rawMode, _ := cmd.Flags().GetBool("raw")

		repo := openRepository()
		defer func() { _ = repo.Close() }()

		ch, err := repo.Describe(slug)
		if err != nil {
			FatalError("%v", err)
		}

		path, err := repo.ArtifactPath(slug, strings.Split(artifact, "/"))
		if err != nil {
			FatalError("%v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				FatalError("change %s has no %s", slug, artifact)
			}
			FatalError("reading %s: %v", path, err)
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"change":   ch,
				"artifact": artifact,
				"path":     path,
				"content":  string(data),
			})
			return
		}

		title := ch.Title
		if title == "" {
			title = ch.Slug
		}
		fmt.Printf("\n%s %s · %s\n", ui.RenderStatusIcon(ch.Status), ui.RenderSlug(ch.Slug), ui.RenderBold(title))

		meta := []string{string(ch.Status)}
		if ch.Template != "" {
			meta = append(meta, ch.Template)
		}
		if ch.Owner != "" {
			meta = append(meta, "owner: "+ch.Owner)
		}
		meta = append(meta, "updated "+formatRelativeTime(ch.UpdatedAt))
		fmt.Println(ui.RenderMuted(strings.Join(meta, " · ")))

		content := string(data)
		if rawMode || !strings.HasSuffix(path, ".md") {
			fmt.Printf("\n%s", content)
			if !strings.HasSuffix(content, "\n") {
				fmt.Println()
			}
			return
		}
		fmt.Printf("\n%s\n", ui.RenderMarkdown(content))
	},
}

func init() {
	showCmd.Flags().Bool("raw", false, "Print the artifact without markdown styling")
	rootCmd.AddCommand(showCmd)
}
