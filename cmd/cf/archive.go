package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/ui"
)

var archiveCmd = &cobra.Command{
	Use:     "archive <slug>",
	GroupID: "changes",
	Short:   "Archive a change and write its receipt",
	Long: `Archive a change and write its receipt.

The draft must have a non-empty proposal and task list. Archiving
records the canonical receipt (actor, commits, files touched, test
summary) inside the change directory and moves the whole directory
under changes/archive/<slug>. Archived changes are permanent: the slug
cannot be reopened and the artifacts become read-only history.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		repo := openRepository()
		defer func() { _ = repo.Close() }()

		// Archiving cannot be undone, so a human at a terminal confirms
		// first. Scripts and agents are never prompted.
		if !yes && !jsonOutput && ui.IsTerminal() {
			if !ui.PromptYesNo(fmt.Sprintf("Archive %s permanently?", args[0]), false) {
				fmt.Fprintln(os.Stderr, "Archive canceled.")
				return
			}
		}

		res, err := repo.Archive(args[0])
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(res)
		} else {
			printArchived(res)
		}
	},
}

func init() {
	archiveCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(archiveCmd)
}

func printArchived(res *change.ArchiveResult) {
	fmt.Printf("\n%s Archived change: %s\n", ui.RenderPass("✓"), ui.RenderSlug(res.Slug))
	fmt.Printf("  Receipt:  %s\n", res.ReceiptPath)
	if r := res.Receipt; r != nil {
		fmt.Printf("  Archived: %s by %s (%s)\n", r.ArchivedAt, r.Actor.Name, r.Actor.Type)
		if len(r.Commits) > 0 {
			fmt.Printf("  Commits:  %d\n", len(r.Commits))
		}
		if len(r.FilesTouched) > 0 {
			fmt.Printf("  Files:    %d touched\n", len(r.FilesTouched))
		}
		if r.Tests.Added > 0 || r.Tests.Updated > 0 || r.Tests.Passed {
			status := ui.RenderFail(ui.IconFail + " failing")
			if r.Tests.Passed {
				status = ui.RenderPass(ui.IconPass + " passing")
			}
			fmt.Printf("  Tests:    %s (%d added, %d updated)\n", status, r.Tests.Added, r.Tests.Updated)
		}
	}
}
