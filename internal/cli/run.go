package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdsingh122918/forge/internal/agent"
	"github.com/jdsingh122918/forge/internal/arbiter"
	"github.com/jdsingh122918/forge/internal/config"
	"github.com/jdsingh122918/forge/internal/decompose"
	"github.com/jdsingh122918/forge/internal/eventbus"
	"github.com/jdsingh122918/forge/internal/gating"
	"github.com/jdsingh122918/forge/internal/git"
	"github.com/jdsingh122918/forge/internal/hooks"
	"github.com/jdsingh122918/forge/internal/logging"
	"github.com/jdsingh122918/forge/internal/phase"
	"github.com/jdsingh122918/forge/internal/runner"
	"github.com/jdsingh122918/forge/internal/runstate"
	"github.com/jdsingh122918/forge/internal/scheduler"
)

// loadSpecPhases loads the DAG Scheduler's phase definitions from specFile.
func loadSpecPhases(specFile string) ([]phase.Phase, error) {
	if _, err := os.Stat(specFile); err != nil {
		return nil, fmt.Errorf("phases file %q not found: %w", specFile, err)
	}
	phases, err := phase.LoadFile(specFile)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", specFile, err)
	}
	return phases, nil
}

// runFlags holds the flags for the `forge run` command, the DAG Scheduler
// entrypoint: it drives phases.json through the Scheduler/Runner engine
// instead of the legacy phases.conf task loop implement/pipeline use.
type runFlags struct {
	Agent       string
	PhasesFile  string
	Model       string
	Effort      string
	MaxParallel int
	FailFast    bool
	Review      bool
	DiffBase    string
	TokenWindow int
	RunStateLog string
}

func newRunCmd() *cobra.Command {
	flags := runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the DAG phase scheduler against phases.json",
		Long: `Run drives the phase orchestration engine: it loads phases.json, builds the
dependency graph, and dispatches every phase through an Iteration Runner up to
--max-parallel at a time, following each phase's promise token, permission
mode, and budget rather than the sequential phases.conf task loop.

Completed phases that declare a review block are gated through the Review
Pipeline when --review is set; phases that raise a decomposition signal are
expanded into sub-phases and folded back into the same graph.`,
		Example: `  # Run every phase in phases.json sequentially
  forge run --agent claude --phases-file phases.json

  # Run up to 3 phases in parallel, gating completions through review
  forge run --agent claude --max-parallel 3 --review`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedulerCmd(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Agent, "agent", "", "Agent to use (required): claude, codex, gemini")
	_ = cmd.MarkFlagRequired("agent")
	cmd.Flags().StringVar(&flags.PhasesFile, "phases-file", "phases.json", "Path to the phases.json DAG definition")
	cmd.Flags().StringVar(&flags.Model, "model", "", "Override the agent's configured model for this run")
	cmd.Flags().StringVar(&flags.Effort, "effort", "", "Override the agent's configured effort for this run")
	cmd.Flags().IntVar(&flags.MaxParallel, "max-parallel", 1, "Maximum number of phases to dispatch concurrently")
	cmd.Flags().BoolVar(&flags.FailFast, "fail-fast", false, "Stop dispatching new phases once any phase fails")
	cmd.Flags().BoolVar(&flags.Review, "review", false, "Gate completed phases through the Review Pipeline")
	cmd.Flags().StringVar(&flags.DiffBase, "diff-base", "HEAD", "Git ref the Review Pipeline diffs completed phases against")
	cmd.Flags().IntVar(&flags.TokenWindow, "token-window", 0, "Agent context window in tokens (0 selects the compactor default)")
	cmd.Flags().StringVar(&flags.RunStateLog, "run-state-log", ".forge/run-state.log", "Path to the append-only run-state log")

	_ = cmd.RegisterFlagCompletionFunc("agent", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"claude", "codex", "gemini"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

// runSchedulerCmd wires the Scheduler/Runner stack together and drives it
// to completion: phase graph, agent, hooks, event bus, run-state log, and
// (optionally) the Review Pipeline and Arbiter.
func runSchedulerCmd(cmd *cobra.Command, flags runFlags) error {
	rawLogger := logging.New("run")
	logger := &runnerLogger{logger: rawLogger}

	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := resolved.Config

	phases, err := loadSpecPhases(flags.PhasesFile)
	if err != nil {
		return err
	}
	phases = config.ApplyDefaults(phases, cfg.Defaults)
	phases, err = config.ApplyOverrides(phases, cfg.Phases.Overrides)
	if err != nil {
		return fmt.Errorf("applying phase overrides: %w", err)
	}
	graph, err := phase.Build(phases)
	if err != nil {
		return fmt.Errorf("building phase graph from %q: %w", flags.PhasesFile, err)
	}
	logger.Info("loaded phase graph", "phases", len(phases), "file", flags.PhasesFile)

	registry, err := buildAgentRegistry(cfg.Agents, agentSelectFlags{Agent: flags.Agent, Model: flags.Model})
	if err != nil {
		return err
	}
	ag, err := registry.Get(flags.Agent)
	if err != nil {
		available := registry.List()
		return fmt.Errorf("unknown agent %q: available agents are: %s", flags.Agent, joinNames(available))
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
	runLog := runstate.Open(flags.RunStateLog)

	promptInvoker := newAgentPromptInvoker(ag, model, effort)
	hookDispatcher := hooks.NewDispatcher(config.BuildHooks(cfg.Hooks.Definitions), promptInvoker)

	decomposer, reqs := scheduler.NewDecomposerAdapter()

	runnerCfg := runner.Config{
		Model:        model,
		Effort:       effort,
		WorkDir:      flagDir,
		TokenWindow:  flags.TokenWindow,
		ContextLimit: config.ParseContextLimit(cfg.Defaults.ContextLimit, flags.TokenWindow),
	}
	rn := runner.New(ag, hookDispatcher, bus, runLog, decomposer, runnerCfg)

	schedCfg := scheduler.Config{MaxParallel: flags.MaxParallel, FailFast: flags.FailFast}
	opts := []scheduler.Option{scheduler.WithBus(bus), scheduler.WithLog(runLog)}

	if flags.Review {
		arb := arbiter.New(promptInvoker, cfg.Swarm.Review.ArbiterConfidence, cfg.Swarm.Review.EscalateOn)
		gate := gating.New(ag, model, effort, cfg.Swarm.MaxAgents, hookDispatcher, arb, rn)
		opts = append(opts, scheduler.WithGate(gate))

		if gitClient, gitErr := git.NewGitClient(flagDir); gitErr == nil {
			opts = append(opts, scheduler.WithDiffSource(&gitDiffSource{client: gitClient, base: flags.DiffBase}))
		} else {
			logger.Info("git client unavailable; reviewing completed phases without diff context", "error", gitErr)
		}

		synth := decompose.NewAgentSynthesizer(ag, model, effort)
		opts = append(opts, scheduler.WithSynthesizer(synth))
	}

	sched := scheduler.New(graph, rn, reqs, schedCfg, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting run",
		"agent", flags.Agent,
		"phases", len(phases),
		"maxParallel", flags.MaxParallel,
		"review", flags.Review,
	)

	result, err := sched.Execute(ctx)
	if err != nil {
		return fmt.Errorf("scheduler execute: %w", err)
	}

	for _, num := range graph.Numbers() {
		logger.Info("phase finished", "phase", num, "status", result.Statuses[num])
	}

	if !result.Ok {
		if len(result.Failed) > 0 {
			logger.Info("run finished with failures", "failed", result.Failed, "skipped", result.Skipped)
		}
		os.Exit(1)
	}
	logger.Info("run completed", "phases", len(phases))
	return nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// agentPromptInvoker adapts an agent.Agent into the narrow Invoke surface
// hooks.PromptInvoker, arbiter.Invoker, and decompose.StallSynthesizer each
// need, the same pattern decompose.agentInvoker and gating's specialist
// calls use.
type agentPromptInvoker struct {
	ag     agent.Agent
	model  string
	effort string
}

func newAgentPromptInvoker(ag agent.Agent, model, effort string) *agentPromptInvoker {
	return &agentPromptInvoker{ag: ag, model: model, effort: effort}
}

func (a *agentPromptInvoker) Invoke(ctx context.Context, systemPrompt, userPayload string) (string, error) {
	result, err := a.ag.Run(ctx, agent.RunOpts{
		Prompt: systemPrompt + "\n\n" + userPayload,
		Model:  a.model,
		Effort: a.effort,
	})
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// gitDiffSource adapts *git.GitClient into scheduler.DiffSource.
type gitDiffSource struct {
	client *git.GitClient
	base   string
}

func (g *gitDiffSource) Diff(ctx context.Context, phaseNumber string) (string, error) {
	return g.client.DiffUnified(ctx, g.base)
}
