package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdsingh122918/forge/internal/arbiter"
	"github.com/jdsingh122918/forge/internal/buildinfo"
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
	"github.com/jdsingh122918/forge/internal/tui"
)

// dashboardFlags holds the flags for the `forge dashboard` command. When
// Agent is set the dashboard drives the Scheduler/Runner stack against
// PhasesFile in the background and streams its Event Bus into the TUI;
// otherwise the dashboard launches idle, ready to observe a run started
// elsewhere against the same run-state log.
type dashboardFlags struct {
	Agent       string
	PhasesFile  string
	Model       string
	Effort      string
	MaxParallel int
	FailFast    bool
	Review      bool
	DiffBase    string
	RunStateLog string
}

func newDashboardCmd() *cobra.Command {
	flags := dashboardFlags{}

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Launch the TUI command center",
		Long: `Launch the interactive Forge TUI Command Center.

The dashboard provides a real-time view of DAG phase execution, agent output,
and event logs. Use keyboard shortcuts (press ? for help) to navigate panels.

When --agent is set the dashboard drives the phase scheduler itself, the same
engine 'forge run' uses, and renders its Event Bus live. Without --agent the
dashboard launches idle, showing only the help overlay and empty panels.`,
		Example: `  # Launch idle, for inspecting the help overlay and layout
  forge dashboard

  # Drive the scheduler and watch it run live
  forge dashboard --agent claude --phases-file phases.json --max-parallel 3 --review`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Agent, "agent", "", "Agent to drive the scheduler with (omit to launch idle)")
	cmd.Flags().StringVar(&flags.PhasesFile, "phases-file", "phases.json", "Path to the phases.json DAG definition")
	cmd.Flags().StringVar(&flags.Model, "model", "", "Override the agent's configured model for this run")
	cmd.Flags().StringVar(&flags.Effort, "effort", "", "Override the agent's configured effort for this run")
	cmd.Flags().IntVar(&flags.MaxParallel, "max-parallel", 1, "Maximum number of phases to dispatch concurrently")
	cmd.Flags().BoolVar(&flags.FailFast, "fail-fast", false, "Stop dispatching new phases once any phase fails")
	cmd.Flags().BoolVar(&flags.Review, "review", false, "Gate completed phases through the Review Pipeline")
	cmd.Flags().StringVar(&flags.DiffBase, "diff-base", "HEAD", "Git ref the Review Pipeline diffs completed phases against")
	cmd.Flags().StringVar(&flags.RunStateLog, "run-state-log", ".forge/run-state.log", "Path to the append-only run-state log")

	return cmd
}

func init() {
	rootCmd.AddCommand(newDashboardCmd())
}

// runDashboard is the RunE handler for the dashboard command. It loads
// configuration, optionally wires and starts the Scheduler/Runner stack in
// the background, and launches the TUI subscribed to the same Event Bus.
// It respects the global --dry-run flag (flagDryRun) defined on the root
// command.
func runDashboard(cmd *cobra.Command, flags dashboardFlags) error {
	if flagDryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Would launch TUI dashboard (dry-run mode)")
		return nil
	}

	logger := &runnerLogger{logger: logging.New("dashboard")}

	projectName := ""
	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		logger.Warn("loading config failed; launching in idle mode", "error", err)
	} else {
		projectName = resolved.Config.Project.Name
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	bus := eventbus.New()
	phaseEvents := bus.Subscribe()
	agentOutput := make(chan tui.AgentOutputMsg, 256)

	var totalPhases int
	if flags.Agent != "" && resolved != nil {
		phases, startErr := startDashboardScheduler(ctx, logger, resolved.Config, bus, flags)
		if startErr != nil {
			logger.Warn("starting scheduler failed; launching idle", "error", startErr)
		} else {
			totalPhases = len(phases)
		}
	}

	info := buildinfo.GetInfo()
	cfg := tui.AppConfig{
		Version:     info.Version,
		ProjectName: projectName,
		Ctx:         ctx,
		Cancel:      cancel,
		PhaseEvents: phaseEvents,
		AgentOutput: agentOutput,
		TotalPhases: totalPhases,
	}

	logger.Info("launching TUI dashboard",
		"version", info.Version,
		"project", projectName,
		"driving", flags.Agent != "",
	)

	err = tui.RunTUI(cfg)
	cancel()
	return err
}

// startDashboardScheduler wires the Scheduler/Runner stack exactly as
// runSchedulerCmd does and executes it on a background goroutine, publishing
// progress onto bus for the TUI to render. It returns the loaded phase list
// so the caller can seed the sidebar's total-phase counter.
func startDashboardScheduler(
	ctx context.Context,
	logger *runnerLogger,
	cfg *config.Config,
	bus *eventbus.Bus,
	flags dashboardFlags,
) ([]phase.Phase, error) {
	phases, err := loadSpecPhases(flags.PhasesFile)
	if err != nil {
		return nil, err
	}
	phases = config.ApplyDefaults(phases, cfg.Defaults)
	phases, err = config.ApplyOverrides(phases, cfg.Phases.Overrides)
	if err != nil {
		return nil, fmt.Errorf("applying phase overrides: %w", err)
	}
	graph, err := phase.Build(phases)
	if err != nil {
		return nil, fmt.Errorf("building phase graph from %q: %w", flags.PhasesFile, err)
	}

	registry, err := buildAgentRegistry(cfg.Agents, agentSelectFlags{Agent: flags.Agent, Model: flags.Model})
	if err != nil {
		return nil, err
	}
	ag, err := registry.Get(flags.Agent)
	if err != nil {
		return nil, fmt.Errorf("unknown agent %q: available agents are: %s", flags.Agent, joinNames(registry.List()))
	}
	if checkErr := ag.CheckPrerequisites(); checkErr != nil {
		return nil, fmt.Errorf("agent prerequisite check failed for %q: %w", flags.Agent, checkErr)
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

	runLog := runstate.Open(flags.RunStateLog)
	promptInvoker := newAgentPromptInvoker(ag, model, effort)
	hookDispatcher := hooks.NewDispatcher(config.BuildHooks(cfg.Hooks.Definitions), promptInvoker)
	decomposer, reqs := scheduler.NewDecomposerAdapter()

	runnerCfg := runner.Config{
		Model:        model,
		Effort:       effort,
		WorkDir:      flagDir,
		ContextLimit: config.ParseContextLimit(cfg.Defaults.ContextLimit, 0),
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

	go func() {
		logger.Info("starting scheduler from dashboard",
			"agent", flags.Agent, "phases", len(phases), "maxParallel", flags.MaxParallel,
		)
		result, execErr := sched.Execute(ctx)
		if execErr != nil {
			logger.Error("scheduler execute failed", "error", execErr)
			return
		}
		logger.Info("scheduler finished", "ok", result.Ok, "failed", result.Failed, "skipped", result.Skipped)
	}()

	return phases, nil
}
