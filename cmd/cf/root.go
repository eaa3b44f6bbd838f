package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	changeflow "github.com/untoldecay/ChangeFlow"
	"github.com/untoldecay/ChangeFlow/internal/audit"
	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/config"
	"github.com/untoldecay/ChangeFlow/internal/types"
)

// Global flag state shared across commands.
var (
	jsonOutput bool
	actor      string
	rootFlag   string

	// rootCtx is the process context, canceled on SIGINT/SIGTERM.
	rootCtx = context.Background()
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Filesystem-rooted change workflow",
	Long: `cf mediates a change repository: a directory tree where every unit of
work lives as a change directory under changes/<slug> with a proposal,
a task list, and an optional delta/ subtree of prepared file changes.

Opening a change scaffolds the directory and takes a TTL lock so that
concurrent agents do not trample each other. Archiving writes a canonical
receipt and moves the directory under changes/archive/, never losing the
draft. Everything cf does is plain files, so the repository diffs, merges,
and reviews like any other part of the project.

Agents talk to the same engine over JSON-RPC: 'cf serve' speaks the
protocol on stdio, and 'cf serve --http' exposes SSE and NDJSON
endpoints for remote clients.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
			// Non-fatal, continue with defaults
		}
		if !jsonOutput {
			jsonOutput = config.GetBool("json")
		}
		actor = config.GetActor(actor)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "changes", Title: "Change Commands:"},
		&cobra.Group{ID: "views", Title: "View Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor recorded in locks, receipts, and audit entries")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Repository root (default: walk up from the working directory)")
}

// FatalError prints an error message to stderr and exits with code 1
func FatalError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// outputJSON prints v as indented JSON on stdout
func outputJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		FatalError("marshaling output: %v", err)
	}
	fmt.Println(string(data))
}

// resolveRoot locates the repository root. Precedence: --root flag,
// CHANGEFLOW_ROOT / config root, upward walk from the working directory.
func resolveRoot() string {
	if rootFlag != "" {
		return rootFlag
	}
	if root := config.GetString("root"); root != "" {
		return root
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return changeflow.FindRoot(cwd)
}

// openRepository opens the change repository for a command, exiting with
// a hint when none can be located.
func openRepository() *change.Repository {
	root := resolveRoot()
	if root == "" {
		FatalError("no change repository found (run 'cf init' or pass --root)")
	}
	repo, err := change.NewRepository(root, repositoryOptions(root))
	if err != nil {
		FatalError("%v", err)
	}
	return repo
}

// repositoryOptions assembles the engine options every command shares.
func repositoryOptions(root string) change.Options {
	opts := change.Options{
		APIVersion: changeflow.APIVersion,
		Actor:      types.Actor{Type: "user", Name: actor},
		SigningKey: config.GetString("pagination.signing-key"),
	}
	if config.GetBool("audit.enabled") {
		opts.Audit = audit.New(root)
	}
	return opts
}
