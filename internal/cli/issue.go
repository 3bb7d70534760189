package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/jdsingh122918/forge/internal/bridge"
	"github.com/jdsingh122918/forge/internal/eventbus"
	"github.com/jdsingh122918/forge/internal/logging"
)

// issueFlags holds the flags for the `forge issue` command, the Pipeline
// Bridge entrypoint: it takes a single issue title/description straight to
// a pull request without requiring phases.json to already exist.
type issueFlags struct {
	Agent       string
	Title       string
	Body        string
	Model       string
	Effort      string
	Base        string
	MaxParallel int
	FailFast    bool
	Review      bool
	DiffBase    string
	TokenWindow int
	Draft       bool
}

func newIssueCmd() *cobra.Command {
	flags := issueFlags{}

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Drive a single issue from branch creation through pull request",
		Long: `Issue runs the Pipeline Bridge end to end for one issue: it creates a branch
off --base, shreds and scatters the issue description into phases.json via the
phase generator, drives every generated phase through the same DAG Scheduler
"forge run" uses, and on success opens a pull request.

On failure at any step the branch is left in place; the failure is reported
and nothing is cleaned up, so the generated phases.json and partial work stay
available for inspection or a manual "forge run" retry.`,
		Example: `  # Open a PR implementing an issue, from title and body
  forge issue --agent claude --title "Add rate limiting" --body "..."

  # Gate every generated phase through the Review Pipeline
  forge issue --agent claude --title "..." --body "..." --review`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueCmd(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Agent, "agent", "", "Agent to use (required): claude, codex, gemini")
	_ = cmd.MarkFlagRequired("agent")
	cmd.Flags().StringVar(&flags.Title, "title", "", "Issue title (required); used for the branch slug and PR title")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&flags.Body, "body", "", "Issue description fed to the phase generator")
	cmd.Flags().StringVar(&flags.Model, "model", "", "Override the agent's configured model for this run")
	cmd.Flags().StringVar(&flags.Effort, "effort", "", "Override the agent's configured effort for this run")
	cmd.Flags().StringVar(&flags.Base, "base", "main", "Base branch the issue branch is created from and the PR targets")
	cmd.Flags().IntVar(&flags.MaxParallel, "max-parallel", 1, "Maximum number of phases to dispatch concurrently")
	cmd.Flags().BoolVar(&flags.FailFast, "fail-fast", false, "Stop dispatching new phases once any phase fails")
	cmd.Flags().BoolVar(&flags.Review, "review", false, "Gate completed phases through the Review Pipeline")
	cmd.Flags().StringVar(&flags.DiffBase, "diff-base", "HEAD", "Git ref the Review Pipeline diffs completed phases against")
	cmd.Flags().IntVar(&flags.TokenWindow, "token-window", 0, "Agent context window in tokens (0 selects the compactor default)")
	cmd.Flags().BoolVar(&flags.Draft, "draft", false, "Open the pull request in draft state")

	_ = cmd.RegisterFlagCompletionFunc("agent", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"claude", "codex", "gemini"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func init() {
	rootCmd.AddCommand(newIssueCmd())
}

func runIssueCmd(cmd *cobra.Command, flags issueFlags) error {
	logger := logging.New("issue")

	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := resolved.Config

	registry, err := buildAgentRegistry(cfg.Agents, agentSelectFlags{Agent: flags.Agent, Model: flags.Model})
	if err != nil {
		return err
	}
	ag, err := registry.Get(flags.Agent)
	if err != nil {
		return fmt.Errorf("unknown agent %q: available agents are: %s", flags.Agent, strings.Join(availableAgentNames(), ", "))
	}
	if checkErr := ag.CheckPrerequisites(); checkErr != nil {
		return fmt.Errorf("agent prerequisite check failed for %q: %w", flags.Agent, checkErr)
	}

	model, effort := flags.Model, flags.Effort
	if agentCfg, ok := cfg.Agents[flags.Agent]; ok {
		if model == "" {
			model = agentCfg.Model
		}
		if effort == "" {
			effort = agentCfg.Effort
		}
	}

	bus := eventbus.New()
	logEvents(bus, logger)

	br, err := bridge.New(bridge.Config{
		WorkDir:     flagDir,
		BaseBranch:  flags.Base,
		Agent:       ag,
		Model:       model,
		Effort:      effort,
		MaxParallel: flags.MaxParallel,
		FailFast:    flags.FailFast,
		TokenWindow: flags.TokenWindow,
		Review:      flags.Review,
		DiffBase:    flags.DiffBase,
		Draft:       flags.Draft,
		ForgeConfig: cfg,
	}, bus)
	if err != nil {
		return fmt.Errorf("building pipeline bridge: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting issue run", "agent", flags.Agent, "title", flags.Title, "base", flags.Base, "review", flags.Review)

	result, err := br.Run(ctx, flags.Title, flags.Body)
	if err != nil {
		if result != nil && result.Branch != "" {
			logger.Info("issue run did not complete; branch left in place", "branch", result.Branch)
		}
		return fmt.Errorf("issue run: %w", err)
	}

	logger.Info("issue run complete", "branch", result.Branch, "phases", len(result.Phases))
	if result.PR != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Pull request opened: %s\n", result.PR.URL)
	}
	return nil
}

// logEvents subscribes a throwaway consumer to bus and logs every event it
// drains, so `forge issue` surfaces bridge and scheduler progress the same
// way the TUI's event log would, without requiring the TUI.
func logEvents(bus *eventbus.Bus, logger *log.Logger) {
	ch := bus.Subscribe()
	go func() {
		for ev := range ch {
			logger.Info("event", "kind", ev.Kind, "phase", ev.Phase, "branch", ev.Branch, "url", ev.URL)
		}
	}()
}
