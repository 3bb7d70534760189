// Package bridge implements the Pipeline Bridge: for a single issue, it
// derives a branch name from the issue title and creates it via the
// version-control collaborator, writes the issue description to a spec
// file and runs it through the phase-generator collaborator (internal/prd)
// to emit phases.json, hands the resulting phases to the DAG Scheduler, and
// on success invokes the pull-request collaborator. On failure at any step
// the branch is left in place and the failure surfaces to the caller
// instead of being swallowed; cancellation tears down the subprocess tree
// and the run is reported Cancelled rather than Failed.
//
// Bridge itself owns no scheduling state — each call to Run builds a fresh
// Scheduler/Runner stack exactly as internal/cli's `forge run` does, so the
// DAG Scheduler, Iteration Runner, and optional Review Pipeline behave
// identically whether driven through phases.json directly or through this
// issue-to-PR bridge.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

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
	"github.com/jdsingh122918/forge/internal/prd"
	"github.com/jdsingh122918/forge/internal/review"
	"github.com/jdsingh122918/forge/internal/runner"
	"github.com/jdsingh122918/forge/internal/runstate"
	"github.com/jdsingh122918/forge/internal/scheduler"
)

var logger = logging.New("bridge")

// nonAlphanumRE replaces runs of non-alphanumeric characters when deriving
// a branch slug from an issue title.
var nonAlphanumRE = regexp.MustCompile(`[^a-z0-9]+`)

// ErrCancelled is returned by Run when the context was cancelled before
// the issue finished its final step.
var ErrCancelled = errors.New("bridge: run cancelled")

// Config bundles everything Run needs: the workspace, the agent driving
// every LLM invocation, and the scheduler settings passed straight through
// from forge.toml / CLI flags.
type Config struct {
	WorkDir string

	// BaseBranch is the branch new issue branches are created from and PRs
	// target. Defaults to "main".
	BaseBranch string

	// BranchTemplate substitutes {slug} for the slugified issue title.
	// Defaults to "issue/{slug}".
	BranchTemplate string

	// SpecFile is where the issue description is written before being
	// handed to the phase generator. Defaults to ".forge/issue-spec.md".
	SpecFile string

	// PhasesFile is where the generated phases.json is written. Defaults
	// to "phases.json".
	PhasesFile string

	Agent  agent.Agent
	Model  string
	Effort string

	MaxParallel int
	FailFast    bool
	TokenWindow int

	Review   bool
	DiffBase string

	RunStateLog string

	// Draft creates the final pull request in draft state.
	Draft bool

	ForgeConfig *config.Config
}

// Bridge drives one issue from branch creation through PR. It holds no
// mutable run state between calls; Run is safe to call repeatedly for
// different issues with the same Bridge.
type Bridge struct {
	cfg Config
	bus *eventbus.Bus
	git *git.GitClient
}

// New constructs a Bridge. bus may be nil, in which case Run still drives
// the scheduler but no events are published.
func New(cfg Config, bus *eventbus.Bus) (*Bridge, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("bridge: WorkDir is required")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("bridge: Agent is required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.BranchTemplate == "" {
		cfg.BranchTemplate = "issue/{slug}"
	}
	if cfg.SpecFile == "" {
		cfg.SpecFile = filepath.Join(".forge", "issue-spec.md")
	}
	if cfg.PhasesFile == "" {
		cfg.PhasesFile = "phases.json"
	}
	if cfg.RunStateLog == "" {
		cfg.RunStateLog = filepath.Join(".forge", "run-state.log")
	}
	if cfg.ForgeConfig == nil {
		cfg.ForgeConfig = config.NewDefaults()
	}

	gitClient, err := git.NewGitClient(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("bridge: git client: %w", err)
	}

	return &Bridge{cfg: cfg, bus: bus, git: gitClient}, nil
}

// Result is what Run returns once the issue reaches a terminal state.
type Result struct {
	Branch     string
	PhasesFile string
	Phases     []phase.Phase
	SchedRun   scheduler.RunResult
	PR         *review.PRCreateResult
	Cancelled  bool
}

// Run drives a single issue end to end, in five steps. Title is used
// only to derive the branch name and PR title; description is the full
// issue text fed to the phase generator.
func (b *Bridge) Run(ctx context.Context, title, description string) (*Result, error) {
	res := &Result{}

	branch, err := b.createBranch(ctx, title)
	if err != nil {
		b.publish(eventbus.Event{Kind: eventbus.KindBridgeFailed, Reason: "branch: " + err.Error()})
		return res, fmt.Errorf("bridge: creating branch: %w", err)
	}
	res.Branch = branch
	b.publish(eventbus.Event{Kind: eventbus.KindBridgeBranchCreated, Branch: branch})

	if ctx.Err() != nil {
		return b.cancelled(res)
	}

	phases, err := b.generatePhases(ctx, title, description)
	if err != nil {
		// Branch stays in place; surface the failure.
		b.publish(eventbus.Event{Kind: eventbus.KindBridgeFailed, Branch: branch, Reason: "phase generation: " + err.Error()})
		return res, fmt.Errorf("bridge: generating phases: %w", err)
	}
	res.Phases = phases
	res.PhasesFile = b.cfg.PhasesFile
	b.publish(eventbus.Event{Kind: eventbus.KindBridgePhasesGenerated, Branch: branch, Iters: len(phases)})

	if ctx.Err() != nil {
		return b.cancelled(res)
	}

	runResult, err := b.executePhases(ctx, phases)
	res.SchedRun = runResult
	if err != nil {
		b.publish(eventbus.Event{Kind: eventbus.KindBridgeFailed, Branch: branch, Reason: "scheduler: " + err.Error()})
		return res, fmt.Errorf("bridge: running scheduler: %w", err)
	}
	if ctx.Err() != nil {
		return b.cancelled(res)
	}
	if !runResult.Ok {
		b.publish(eventbus.Event{Kind: eventbus.KindBridgeFailed, Branch: branch, Reason: "phases failed", Children: runResult.Failed})
		return res, fmt.Errorf("bridge: %d phase(s) failed: %s", len(runResult.Failed), strings.Join(runResult.Failed, ", "))
	}

	pr, err := b.openPR(ctx, title, branch)
	if err != nil {
		b.publish(eventbus.Event{Kind: eventbus.KindBridgeFailed, Branch: branch, Reason: "pr: " + err.Error()})
		return res, fmt.Errorf("bridge: opening pull request: %w", err)
	}
	res.PR = pr
	b.publish(eventbus.Event{Kind: eventbus.KindBridgePRCreated, Branch: branch, URL: pr.URL})

	return res, nil
}

func (b *Bridge) cancelled(res *Result) (*Result, error) {
	res.Cancelled = true
	b.publish(eventbus.Event{Kind: eventbus.KindBridgeCancelled, Branch: res.Branch})
	return res, ErrCancelled
}

func (b *Bridge) publish(evt eventbus.Event) {
	if b.bus == nil {
		return
	}
	evt.Timestamp = time.Now()
	b.bus.Publish(evt)
}

// createBranch derives a branch name from title and creates it off
// cfg.BaseBranch.
func (b *Bridge) createBranch(ctx context.Context, title string) (string, error) {
	branch := strings.Replace(b.cfg.BranchTemplate, "{slug}", slugify(title), 1)
	if err := b.git.CreateBranch(ctx, branch, b.cfg.BaseBranch); err != nil {
		return "", err
	}
	if err := b.git.Checkout(ctx, branch); err != nil {
		return "", err
	}
	return branch, nil
}

// generatePhases writes description to cfg.SpecFile and runs it through
// the shred -> scatter -> merge phase-generator pipeline (internal/prd),
// persisting the result to cfg.PhasesFile.
func (b *Bridge) generatePhases(ctx context.Context, title, description string) ([]phase.Phase, error) {
	if err := os.MkdirAll(filepath.Dir(b.cfg.SpecFile), 0o755); err != nil {
		return nil, fmt.Errorf("creating spec dir: %w", err)
	}
	specContent := "# " + title + "\n\n" + description + "\n"
	if err := os.WriteFile(b.cfg.SpecFile, []byte(specContent), 0o644); err != nil {
		return nil, fmt.Errorf("writing spec file: %w", err)
	}

	shredder := prd.NewShredder(b.cfg.Agent, b.cfg.WorkDir, prd.WithLogger(stdLogger()))
	shredResult, err := shredder.Shred(ctx, prd.ShredOpts{
		PRDPath: b.cfg.SpecFile,
		Model:   b.cfg.Model,
		Effort:  b.cfg.Effort,
	})
	if err != nil {
		return nil, fmt.Errorf("shredding issue into epics: %w", err)
	}
	breakdown := shredResult.Breakdown
	if breakdown == nil || len(breakdown.Epics) == 0 {
		return nil, fmt.Errorf("phase generator produced no epics for this issue")
	}

	scatter := prd.NewScatterOrchestrator(b.cfg.Agent, b.cfg.WorkDir, prd.WithScatterLogger(stdLogger()))
	scatterResult, err := scatter.Scatter(ctx, prd.ScatterOpts{
		PRDContent: specContent,
		Breakdown:  breakdown,
		Model:      b.cfg.Model,
		Effort:     b.cfg.Effort,
	})
	if err != nil {
		return nil, fmt.Errorf("scattering epics into tasks: %w", err)
	}
	if len(scatterResult.Results) == 0 {
		return nil, fmt.Errorf("phase generator produced no tasks for this issue: %d epic(s) failed", len(scatterResult.Failures))
	}

	results := make(map[string]*prd.EpicTaskResult, len(scatterResult.Results))
	for _, r := range scatterResult.Results {
		results[r.EpicID] = r
	}
	epicOrder, err := prd.SortEpicsByDependency(breakdown)
	if err != nil {
		return nil, fmt.Errorf("ordering epics: %w", err)
	}

	merged, mapping := prd.AssignGlobalIDs(epicOrder, results)
	epicTasks := make(map[string][]prd.MergedTask)
	for _, t := range merged {
		epicTasks[t.EpicID] = append(epicTasks[t.EpicID], t)
	}
	merged, _ = prd.RemapDependencies(merged, mapping, epicTasks)
	merged, _ = prd.DeduplicateTasks(merged)

	phases := prd.ToSpecPhases(merged)
	phases = config.ApplyDefaults(phases, b.cfg.ForgeConfig.Defaults)
	phases, err = config.ApplyOverrides(phases, b.cfg.ForgeConfig.Phases.Overrides)
	if err != nil {
		return nil, fmt.Errorf("applying phase overrides: %w", err)
	}

	data, err := phase.Marshal(phases)
	if err != nil {
		return nil, fmt.Errorf("marshalling phases.json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.cfg.PhasesFile), 0o755); err != nil && filepath.Dir(b.cfg.PhasesFile) != "." {
		return nil, fmt.Errorf("creating phases.json dir: %w", err)
	}
	if err := os.WriteFile(b.cfg.PhasesFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing phases.json: %w", err)
	}

	return phases, nil
}

// executePhases builds a fresh Scheduler/Runner stack and drives phases to
// completion, the same wiring `forge run` performs against a pre-existing
// phases.json.
func (b *Bridge) executePhases(ctx context.Context, phases []phase.Phase) (scheduler.RunResult, error) {
	graph, err := phase.Build(phases)
	if err != nil {
		return scheduler.RunResult{}, fmt.Errorf("building phase graph: %w", err)
	}

	runLog := runstate.Open(b.cfg.RunStateLog)
	invoker := &promptInvoker{ag: b.cfg.Agent, model: b.cfg.Model, effort: b.cfg.Effort}
	dispatcher := hooks.NewDispatcher(config.BuildHooks(b.cfg.ForgeConfig.Hooks.Definitions), invoker)
	decomposer, reqs := scheduler.NewDecomposerAdapter()

	runnerCfg := runner.Config{
		Model:        b.cfg.Model,
		Effort:       b.cfg.Effort,
		WorkDir:      b.cfg.WorkDir,
		TokenWindow:  b.cfg.TokenWindow,
		ContextLimit: config.ParseContextLimit(b.cfg.ForgeConfig.Defaults.ContextLimit, b.cfg.TokenWindow),
	}
	rn := runner.New(b.cfg.Agent, dispatcher, b.bus, runLog, decomposer, runnerCfg)

	schedCfg := scheduler.Config{MaxParallel: b.cfg.MaxParallel, FailFast: b.cfg.FailFast}
	opts := []scheduler.Option{scheduler.WithLog(runLog)}
	if b.bus != nil {
		opts = append(opts, scheduler.WithBus(b.bus))
	}

	if b.cfg.Review {
		arb := arbiter.New(invoker, b.cfg.ForgeConfig.Swarm.Review.ArbiterConfidence, b.cfg.ForgeConfig.Swarm.Review.EscalateOn)
		gate := gating.New(b.cfg.Agent, b.cfg.Model, b.cfg.Effort, b.cfg.ForgeConfig.Swarm.MaxAgents, dispatcher, arb, rn)
		opts = append(opts, scheduler.WithGate(gate))
		opts = append(opts, scheduler.WithDiffSource(&gitDiffSource{client: b.git, base: b.cfg.DiffBase}))
		opts = append(opts, scheduler.WithSynthesizer(decompose.NewAgentSynthesizer(b.cfg.Agent, b.cfg.Model, b.cfg.Effort)))
	}

	sched := scheduler.New(graph, rn, reqs, schedCfg, opts...)
	return sched.Execute(ctx)
}

// openPR generates a PR body from the issue's diff against the base branch
// and creates the pull request.
func (b *Bridge) openPR(ctx context.Context, title, branch string) (*review.PRCreateResult, error) {
	pc := review.NewPRCreator(b.cfg.WorkDir, stdLogger())
	if err := pc.EnsureBranchPushed(ctx); err != nil {
		return nil, fmt.Errorf("pushing branch: %w", err)
	}

	stats := review.DiffStats{}
	if dg, dgErr := review.NewDiffGenerator(b.git, review.ReviewConfig{}, stdLogger()); dgErr == nil {
		if diffResult, diffErr := dg.Generate(ctx, b.cfg.BaseBranch); diffErr == nil {
			stats = diffResult.Stats
		} else {
			logger.Warn("diff stats unavailable for PR body", "error", diffErr)
		}
	}

	bodyGen := review.NewPRBodyGenerator(b.cfg.Agent, "", stdLogger())
	body, err := bodyGen.Generate(ctx, review.PRBodyData{
		Summary:    "Automated implementation for: " + title,
		DiffStats:  stats,
		BranchName: branch,
		BaseBranch: b.cfg.BaseBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("generating pr body: %w", err)
	}

	return pc.Create(ctx, review.PRCreateOpts{
		Title:      title,
		Body:       body,
		BaseBranch: b.cfg.BaseBranch,
		Draft:      b.cfg.Draft,
	})
}

// gitDiffSource adapts *git.GitClient into scheduler.DiffSource, the same
// pattern internal/cli's `forge run` uses.
type gitDiffSource struct {
	client *git.GitClient
	base   string
}

func (g *gitDiffSource) Diff(ctx context.Context, _ string) (string, error) {
	return g.client.DiffUnified(ctx, g.base)
}

// promptInvoker adapts an agent.Agent into the narrow Invoke surface
// hooks.PromptInvoker, arbiter.Invoker, and decompose.StallSynthesizer
// each need.
type promptInvoker struct {
	ag     agent.Agent
	model  string
	effort string
}

func (a *promptInvoker) Invoke(ctx context.Context, systemPrompt, userPayload string) (string, error) {
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

func stdLogger() *log.Logger {
	return log.Default()
}

// slugify lowercases s and replaces runs of non-alphanumeric characters
// with a single hyphen, trimming leading/trailing hyphens.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumRE.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
