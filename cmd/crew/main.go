package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/crewkit/crew/internal/config"
	"github.com/crewkit/crew/internal/dag"
	"github.com/crewkit/crew/internal/engine"
	"github.com/crewkit/crew/internal/groups"
	"github.com/crewkit/crew/internal/log"
	"github.com/crewkit/crew/internal/luaext"
	"github.com/crewkit/crew/internal/models"
	"github.com/crewkit/crew/internal/registry"
	"github.com/crewkit/crew/internal/storage"
	"github.com/crewkit/crew/internal/tui"
	"github.com/crewkit/crew/internal/worker"
	"github.com/spf13/cobra"
)

// Exit codes: 2 for expression or resolution errors (nothing was run),
// 3 for execution failures, 4 for escalations that exhausted local
// remediation.
const (
	exitExpression = 2
	exitExecution  = 3
	exitEscalated  = 4
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "crew",
		Short:        "Delegated work item orchestration",
		Long:         "Crew plans numbered work items into phased runs and dispatches them to worker CLIs.",
		SilenceUsage: true,
		RunE:         runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var (
		cycle      *dag.CycleError
		unresolved *dag.UnresolvedNodeError
		notFound   *registry.NotFoundError
		stuck      *luaext.StuckError
	)
	switch {
	case errors.Is(err, engine.ErrEscalated), errors.As(err, &stuck):
		return exitEscalated
	case groups.IsSyntaxError(err),
		errors.As(err, &cycle),
		errors.As(err, &unresolved),
		errors.As(err, &notFound):
		return exitExpression
	}
	return exitExecution
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	eng, _, err := buildEngine(cfg, store)
	if err != nil {
		return err
	}

	app := tui.NewApp(eng)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// buildEngine wires the registry, routing table, and workspace root
// into an engine. Every command that executes or inspects runs goes
// through this so routing and prompt resolution behave identically.
// The registry is returned too so planning commands resolve tokens
// against the same item set the engine will prompt from.
func buildEngine(cfg *config.Config, store *storage.Storage) (*engine.Engine, *registry.Registry, error) {
	reg, err := registry.Load(cfg.ItemDirs())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load work items: %w", err)
	}

	table, err := worker.LoadTable(cfg.RoutingPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load routing table: %w", err)
	}

	eng := engine.New(store, table, engine.RegistryPrompts(reg), cfg.WorkspacesDir())
	eng.Log = log.FromEnv()
	return eng, reg, nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <expression|script.lua> [prompt]",
		Short: "Plan and execute a group expression or Lua workflow",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")
			repoPath, _ := cmd.Flags().GetString("repo")

			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, reg, err := buildEngine(cfg, store)
			if err != nil {
				return err
			}
			eng.SourceRepo = repoPath

			settings := settingsFromFlags(cmd)

			// A .lua argument is a workflow script, not an expression.
			scriptPath := findScript(args[0], cfg)
			if scriptPath != "" {
				prompt := ""
				if len(args) > 1 {
					prompt = args[1]
				}
				return runScript(cmd, eng, reg, scriptPath, prompt, settings)
			}

			planner := engine.NewPlanner(reg)
			run, plan, err := planner.Plan(engine.PlanRequest{
				Expression: args[0],
				Infer:      mustBool(cmd, "infer"),
				Override:   routingOverride(cmd),
				Settings:   settings,
			})
			if err != nil {
				return err
			}

			if err := store.CreateRun(run); err != nil {
				return fmt.Errorf("failed to persist run: %w", err)
			}

			fmt.Printf("Created run %s\n", run.ID)
			printPhases(plan.Phases)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}

			if err := eng.Execute(cmd.Context(), run); err != nil {
				// Re-fetch to show the persisted final state.
				if r, gerr := store.GetRun(run.ID); gerr == nil {
					fmt.Printf("Run finished with status: %s\n", r.Status)
					if r.Error != "" {
						fmt.Printf("Error: %s\n", r.Error)
					}
				}
				return err
			}

			if r, gerr := store.GetRun(run.ID); gerr == nil {
				fmt.Printf("Run completed with status: %s\n", r.Status)
			}
			return nil
		},
	}

	addPlanFlags(cmd)
	cmd.Flags().Bool("no-exec", false, "Create and persist the run but don't execute")
	cmd.Flags().Bool("validate", false, "Run a validation sweep after the final phase")
	cmd.Flags().Int("max-parallel", 0, "Cap on concurrently running nodes (default from CREW_MAX_PARALLEL)")
	cmd.Flags().StringP("repo", "r", ".", "Source git repository for worktrees (default: current directory)")
	return cmd
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <expression>",
		Short: "Show the phases, edges, and routing an expression would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			reg, err := registry.Load(cfg.ItemDirs())
			if err != nil {
				return fmt.Errorf("failed to load work items: %w", err)
			}

			planner := engine.NewPlanner(reg)
			_, plan, err := planner.Plan(engine.PlanRequest{
				Expression: args[0],
				Infer:      mustBool(cmd, "infer"),
				Override:   routingOverride(cmd),
				Settings:   config.DefaultSettings(),
			})
			if err != nil {
				return err
			}

			printPhases(plan.Phases)

			if len(plan.Edges) > 0 {
				fmt.Println("\nEdges:")
				for _, e := range plan.Edges {
					line := fmt.Sprintf("  %s -> %s (%s)", e.From, e.To, e.Origin)
					if e.Rationale != "" {
						line += ": " + e.Rationale
					}
					fmt.Println(line)
				}
			}

			if len(plan.Trail) > 0 {
				fmt.Println("\nInference trail:")
				for _, t := range plan.Trail {
					fmt.Printf("  %s\n", t)
				}
			}

			return nil
		},
	}

	addPlanFlags(cmd)
	return cmd
}

func addPlanFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("infer", false, "Infer ordering for bare whitespace-separated lists")
	cmd.Flags().String("worker", "", "Route every node to this worker CLI")
	cmd.Flags().String("variant", "", "Worker variant (e.g. high, xhigh)")
}

func routingOverride(cmd *cobra.Command) models.Routing {
	w, _ := cmd.Flags().GetString("worker")
	v, _ := cmd.Flags().GetString("variant")
	return models.Routing{Worker: w, Variant: v}
}

func settingsFromFlags(cmd *cobra.Command) models.Settings {
	settings := config.DefaultSettings()
	if n, _ := cmd.Flags().GetInt("max-parallel"); n > 0 {
		settings.MaxParallel = n
	}
	if v, _ := cmd.Flags().GetBool("validate"); v {
		settings.Validate = true
	}
	if w, _ := cmd.Flags().GetString("worker"); w != "" {
		settings.DefaultWorker = w
	}
	if v, _ := cmd.Flags().GetString("variant"); v != "" {
		settings.DefaultVariant = v
	}
	return settings
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func printPhases(phases []*models.Phase) {
	for _, line := range phaseLines(phases) {
		fmt.Println(line)
	}
}

// phaseLines renders one line per phase. Phase.Index is already
// 1-based as the builder assigns it.
func phaseLines(phases []*models.Phase) []string {
	lines := make([]string, 0, len(phases))
	for _, p := range phases {
		ids := make([]string, len(p.Nodes))
		for i, n := range p.Nodes {
			label := n.ID
			if n.Routing.Worker != "" {
				label += " (" + n.Routing.Worker
				if n.Routing.Variant != "" {
					label += "/" + n.Routing.Variant
				}
				label += ")"
			}
			ids[i] = label
		}
		lines = append(lines, fmt.Sprintf("Phase %d: %s", p.Index, strings.Join(ids, ", ")))
	}
	return lines
}

// decisionPhaseLabel names the phase a decision belongs to. Index 0 is
// reserved for the post-run validation sweep.
func decisionPhaseLabel(d *models.Decision) string {
	if d.PhaseIndex == 0 {
		return "validate"
	}
	return fmt.Sprintf("phase %d", d.PhaseIndex)
}

// findScript resolves a run argument to a Lua workflow script. An
// explicit .lua path is used as-is when it exists; otherwise the item
// directories are searched, with and without the extension.
func findScript(name string, cfg *config.Config) string {
	if luaext.IsScript(name) {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}

	for _, dir := range cfg.ItemDirs() {
		if luaext.IsScript(name) {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		path := filepath.Join(dir, name+".lua")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func runScript(cmd *cobra.Command, eng *engine.Engine, reg *registry.Registry, scriptPath, prompt string, settings models.Settings) error {
	fmt.Printf("Executing workflow %s\n", scriptPath)

	rt := luaext.NewRuntime(engine.NewPlanner(reg), eng, settings)
	if err := rt.Execute(cmd.Context(), scriptPath, prompt); err != nil {
		for _, line := range rt.Logs() {
			fmt.Printf("  %s\n", line)
		}
		return err
	}

	for _, line := range rt.Logs() {
		fmt.Printf("  %s\n", line)
	}
	fmt.Println("Workflow completed")
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run %s: %s\n", run.ID, run.Expression)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Created: %s\n", storage.FormatTimeAgo(run.CreatedAt))
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}

			for _, p := range run.Phases {
				fmt.Printf("\nPhase %d:\n", p.Index)
				for _, n := range p.Nodes {
					line := fmt.Sprintf("  %s [%s]", n.ID, n.Status)
					if n.Routing.Worker != "" {
						line += " " + n.Routing.Worker
						if n.Routing.Variant != "" {
							line += "/" + n.Routing.Variant
						}
					}
					if n.RetryCount > 0 {
						line += fmt.Sprintf(" (retried %d)", n.RetryCount)
					}
					if d := n.Duration(); d > 0 {
						line += " " + d.Round(time.Second).String()
					}
					fmt.Println(line)
				}
			}

			decisions, err := store.DecisionsForRun(run.ID)
			if err != nil {
				return err
			}
			if len(decisions) > 0 {
				fmt.Println("\nDecisions:")
				for _, d := range decisions {
					fmt.Printf("  %s: %s [%s] %s\n",
						decisionPhaseLabel(d), d.Verdict,
						strings.Join(d.NodeIDs, ","), d.Justification)
				}
			}

			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s [%s] %s (%s)\n",
					run.ID[:8], run.Status,
					truncate(run.Expression, 50),
					storage.FormatTimeAgo(run.CreatedAt))
			}

			return nil
		},
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Kill a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, _, err := buildEngine(cfg, store)
			if err != nil {
				return err
			}

			if err := eng.KillRun(args[0]); err != nil {
				return fmt.Errorf("failed to kill run: %w", err)
			}

			fmt.Printf("Killed run %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its workspaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, _, err := buildEngine(cfg, store)
			if err != nil {
				return err
			}

			if err := eng.DeleteRun(args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
