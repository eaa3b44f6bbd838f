package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	changeflow "github.com/untoldecay/ChangeFlow"
	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/ui"
	"github.com/untoldecay/ChangeFlow/internal/utils"
)

// starterConfig is written to .changeflow/config.yaml on init. Every key
// is commented out so the file documents the knobs without pinning them.
const starterConfig = `# ChangeFlow repository configuration.
# Values here are overridden by CHANGEFLOW_* environment variables and
# command-line flags.

# Actor recorded in locks, receipts, and audit entries.
# actor: alice

# Default lock TTL in seconds for 'cf open' (60..86400).
# ttl: 3600

# Default template kind for new changes (feature, bugfix, chore, or a
# manifest under .changeflow/templates/).
# template: feature

# Disable the append-only operation log at .changeflow/audit.jsonl.
# audit:
#   enabled: false

# HMAC key for pagination cursor tokens. Unsigned tokens work fine for
# single-client use; set a key when untrusted clients hold cursors.
# pagination:
#   signing-key: ""

# Settings for 'cf serve --http'.
# server:
#   host: 0.0.0.0
#   port: 8080
#   auth-tokens: ""          # comma-separated bearer tokens; empty = open
#   allowed-origins: "*"
#   rate-limit: 100          # requests per window per client; 0 disables
#   rate-limit-window-ms: 60000
#   request-timeout-ms: 30000
#   max-response-size-kb: 1024
#   log-file: ""             # rotate server logs to this file
`

// exampleManifest documents the template manifest format. The file does
// not end in .toml, so it never registers a kind by itself.
const exampleManifest = `# Template manifests add change kinds beyond the built-in feature,
# bugfix, and chore. Copy this file to <kind>.toml to register one;
# project manifests here shadow ~/.changeflow/templates/.
#
# kind = "hotfix"
# description = "Emergency production fix"
#
# [[files]]
# path = "proposal.md"
# content = """
# # {{title}}
#
# ## Why
#
# {{rationale}}
# """
#
# [[files]]
# path = "tasks.md"
# content = """
# # Tasks: {{title}}
#
# - [ ] 1. Reproduce
# - [ ] 2. Fix
# - [ ] 3. Verify
# """
#
# Placeholders: {{title}} {{slug}} {{template}} {{owner}} {{created}}
# {{rationale}}. A delta/ directory is always created alongside.
`

var initCmd = &cobra.Command{
	Use:     "init [directory]",
	GroupID: "setup",
	Short:   "Initialize a change repository",
	Long: `Initialize a change repository by creating the changes/ and
changes/archive/ directories plus a .changeflow/ directory holding a
commented starter config and a templates/ directory for custom change
kinds.

The target defaults to the current directory. Running init on an
existing repository is safe: directories are created only if missing and
an existing config.yaml is never touched.

Examples:
  cf init              # initialize the current directory
  cf init ./services   # initialize a subdirectory
  cf init --quiet      # no output unless something fails`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		quiet, _ := cmd.Flags().GetBool("quiet")

		target := "."
		if len(args) == 1 {
			target = args[0]
		}
		root, err := filepath.Abs(target)
		if err != nil {
			FatalError("resolving %s: %v", target, err)
		}

		existing := changeflow.FindRoot(root) == root

		repo, err := change.NewRepository(root, repositoryOptions(root))
		if err != nil {
			FatalError("%v", err)
		}
		if err := repo.EnsureLayout(); err != nil {
			FatalError("%v", err)
		}

		templatesDir := filepath.Join(root, ".changeflow", "templates")
		if err := utils.EnsureDir(templatesDir, 0o755); err != nil {
			FatalError("creating %s: %v", templatesDir, err)
		}

		wroteConfig, err := writeIfAbsent(filepath.Join(root, ".changeflow", "config.yaml"), starterConfig)
		if err != nil {
			FatalError("writing config: %v", err)
		}
		if _, err := writeIfAbsent(filepath.Join(templatesDir, "example.manifest"), exampleManifest); err != nil {
			FatalError("writing template example: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"root":          root,
				"created":       !existing,
				"configWritten": wroteConfig,
			})
			return
		}
		if quiet {
			return
		}

		if existing {
			fmt.Printf("%s Repository at %s already initialized\n", ui.RenderPass(ui.IconPass), root)
		} else {
			fmt.Printf("%s Initialized change repository at %s\n", ui.RenderPass(ui.IconPass), root)
		}
		fmt.Printf("  changes/            active change directories\n")
		fmt.Printf("  changes/archive/    archived changes with receipts\n")
		fmt.Printf("  .changeflow/        config, templates, audit log\n")
		if wroteConfig {
			fmt.Printf("\nEdit .changeflow/config.yaml to set defaults, then open your\nfirst change with 'cf open <slug> --title \"...\"'.\n")
		}
	},
}

// writeIfAbsent writes content to path unless the file already exists.
func writeIfAbsent(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := utils.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func init() {
	initCmd.Flags().Bool("quiet", false, "Suppress output")
	rootCmd.AddCommand(initCmd)
}
