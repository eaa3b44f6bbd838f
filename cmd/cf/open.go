package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/config"
	"github.com/untoldecay/ChangeFlow/internal/draft"
	"github.com/untoldecay/ChangeFlow/internal/rpc"
	"github.com/untoldecay/ChangeFlow/internal/template"
	"github.com/untoldecay/ChangeFlow/internal/timeparsing"
	"github.com/untoldecay/ChangeFlow/internal/types"
	"github.com/untoldecay/ChangeFlow/internal/ui"
	"github.com/untoldecay/ChangeFlow/internal/validation"
)

// openFormRawInput holds the raw string values from the interactive form
// before parsing. TTL stays a string so the form accepts durations and
// natural phrases, not just seconds.
type openFormRawInput struct {
	Title     string
	Slug      string
	Kind      string
	Rationale string
	Owner     string
	TTL       string
	Confirm   bool
}

var openCmd = &cobra.Command{
	Use:     "open [slug]",
	GroupID: "changes",
	Short:   "Open a new change draft or resume an existing one",
	Long: `Open a new change draft or resume an existing one.

A new slug gets a directory under changes/<slug> with a rendered
proposal, a task list, and a lock held by you for the TTL. Re-opening
a slug you already hold refreshes the lock and touches nothing else;
a draft whose lock has lapsed is taken over.

With no slug and no --title, and when stdout is a terminal, an
interactive form collects the fields. The slug is derived from the
title unless you pass one explicitly.

--ttl accepts plain seconds ("7200"), Go durations ("90m"), or natural
phrases ("in 2 hours").`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		title, _ := cmd.Flags().GetString("title")
		rationale, _ := cmd.Flags().GetString("rationale")
		owner, _ := cmd.Flags().GetString("owner")
		kind, _ := cmd.Flags().GetString("template")
		ttlRaw, _ := cmd.Flags().GetString("ttl")
		useAI, _ := cmd.Flags().GetBool("ai")

		in := change.OpenInput{
			Title:     strings.TrimSpace(title),
			Kind:      kind,
			Rationale: rationale,
			Owner:     owner,
		}
		if len(args) > 0 {
			in.Slug = args[0]
		}

		if in.Title == "" && in.Slug == "" {
			if jsonOutput || !ui.IsTerminal() {
				FatalError("a title is required (pass --title, or run on a terminal for the form)")
			}
			raw := runOpenForm()
			in = parseOpenFormInput(raw, in)
			if ttlRaw == "" {
				ttlRaw = raw.TTL
			}
		}

		if in.Slug == "" {
			in.Slug = validation.SlugFromTitle(in.Title)
		}

		ttl := int64(config.GetInt("ttl"))
		if ttlRaw != "" {
			parsed, err := timeparsing.ParseTTL(ttlRaw, time.Now())
			if err != nil {
				FatalError("%v", err)
			}
			ttl = parsed
		}
		if ttl < rpc.MinTTLSeconds || ttl > rpc.MaxTTLSeconds {
			FatalError("ttl must be between %d and %d seconds, got %d",
				rpc.MinTTLSeconds, rpc.MaxTTLSeconds, ttl)
		}
		in.TTL = ttl

		if in.Kind == "" {
			in.Kind = config.GetString("template")
		}

		repo := openRepository()
		defer func() { _ = repo.Close() }()

		// Resuming by slug alone: reuse the draft's recorded title, since
		// the engine only consults the title when scaffolding.
		if in.Title == "" {
			ch, err := repo.Describe(in.Slug)
			if err != nil {
				if types.ErrCode(err) == types.CodeNoChange {
					FatalError("no change named %q; pass --title to open a new one", in.Slug)
				}
				FatalError("%v", err)
			}
			in.Title = ch.Title
			if in.Title == "" {
				in.Title = in.Slug
			}
		}

		res, err := repo.Open(in)
		if err != nil {
			FatalError("%v", err)
		}

		if useAI && res.Created {
			if err := draftProposal(repo, in); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: AI drafting failed (%v); keeping the template proposal\n", err)
			}
		}

		if jsonOutput {
			outputJSON(res)
		} else {
			printOpened(res, in.TTL)
		}
	},
}

func init() {
	openCmd.Flags().StringP("title", "t", "", "Change title (required unless resuming or using the form)")
	openCmd.Flags().StringP("rationale", "r", "", "Why this change is worth making")
	openCmd.Flags().String("owner", "", "Lock owner (default: the actor)")
	openCmd.Flags().String("template", "", "Template kind: feature, bugfix, chore, or a project manifest")
	openCmd.Flags().String("ttl", "", "Lock duration: seconds, Go duration, or natural phrase")
	openCmd.Flags().Bool("ai", false, "Draft the proposal body with the Anthropic API")
	rootCmd.AddCommand(openCmd)
}

// runOpenForm collects the open fields interactively.
func runOpenForm() *openFormRawInput {
	raw := &openFormRawInput{Owner: actor, Kind: template.DefaultKind}

	kindOptions := make([]huh.Option[string], 0, len(template.Kinds()))
	for _, k := range template.Kinds() {
		label := strings.ToUpper(k[:1]) + k[1:]
		kindOptions = append(kindOptions, huh.NewOption(label, k))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Description("One line describing the change (required)").
				Placeholder("e.g., Rework retry policy for archive uploads").
				Value(&raw.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("title is required")
					}
					if len(s) > 500 {
						return fmt.Errorf("title must be 500 characters or less")
					}
					return nil
				}),

			huh.NewInput().
				Title("Slug").
				Description("Directory name under changes/ (blank: derived from the title)").
				Placeholder("e.g., rework-retry-policy").
				Value(&raw.Slug).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					return validation.ValidateSlug(strings.TrimSpace(s))
				}),

			huh.NewSelect[string]().
				Title("Template").
				Description("Scaffold layout for the proposal").
				Options(kindOptions...).
				Value(&raw.Kind),

			huh.NewText().
				Title("Rationale").
				Description("Why this change is worth making (optional)").
				Placeholder("Link the incident, the feature request, the debt...").
				CharLimit(5000).
				Value(&raw.Rationale),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Owner").
				Description("Recorded on the lock (optional)").
				Placeholder("username").
				Value(&raw.Owner),

			huh.NewInput().
				Title("Lock TTL").
				Description("How long to hold the draft (blank: configured default)").
				Placeholder("e.g., 2h, 'in 3 hours', 7200").
				Value(&raw.TTL).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if s == "" {
						return nil
					}
					secs, err := timeparsing.ParseTTL(s, time.Now())
					if err != nil {
						return err
					}
					if secs < rpc.MinTTLSeconds || secs > rpc.MaxTTLSeconds {
						return fmt.Errorf("ttl must be between %d and %d seconds", rpc.MinTTLSeconds, rpc.MaxTTLSeconds)
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Open this change?").
				Affirmative("Open").
				Negative("Cancel").
				Value(&raw.Confirm),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "Open canceled.")
			os.Exit(0)
		}
		FatalError("form error: %v", err)
	}
	if !raw.Confirm {
		fmt.Fprintln(os.Stderr, "Open canceled.")
		os.Exit(0)
	}
	return raw
}

// parseOpenFormInput folds the raw form values into the open input.
func parseOpenFormInput(raw *openFormRawInput, in change.OpenInput) change.OpenInput {
	in.Title = strings.TrimSpace(raw.Title)
	in.Slug = strings.TrimSpace(raw.Slug)
	in.Kind = raw.Kind
	in.Rationale = strings.TrimSpace(raw.Rationale)
	in.Owner = strings.TrimSpace(raw.Owner)
	return in
}

// draftProposal replaces the scaffold proposal body with an AI draft.
// The front matter block is preserved either way.
func draftProposal(repo *change.Repository, in change.OpenInput) error {
	opts := repositoryOptions(repo.Root())
	d, err := draft.New(draft.Config{
		APIKey: config.GetString("ai.api-key"),
		Model:  config.GetString("ai.model"),
		Audit:  opts.Audit,
		Actor:  actor,
	})
	if err != nil {
		return err
	}
	body, err := d.ProposalBody(rootCtx, draft.Input{
		Slug:      in.Slug,
		Title:     in.Title,
		Kind:      in.Kind,
		Rationale: in.Rationale,
	})
	if err != nil {
		return err
	}
	return repo.ReplaceProposalBody(in.Slug, body)
}

func printOpened(res *change.OpenResult, ttl int64) {
	verb := "Resumed"
	if res.Created {
		verb = "Opened"
	}
	fmt.Printf("\n%s %s change: %s\n", ui.RenderPass("✓"), verb, ui.RenderSlug(res.Slug))
	fmt.Printf("  Status:   %s\n", ui.RenderStatus(res.Status))
	fmt.Printf("  Proposal: %s\n", res.Paths.Proposal)
	fmt.Printf("  Tasks:    %s\n", res.Paths.Tasks)
	if res.Locked {
		fmt.Printf("  Lock:     held for %s\n", timeparsing.FormatSeconds(ttl))
	}
	fmt.Printf("\nEdit the proposal, check off tasks, then '%s' when it lands.\n",
		ui.RenderAccent("cf archive "+res.Slug))
}
