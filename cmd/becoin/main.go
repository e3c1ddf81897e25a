package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"becoin/internal/app"
	"becoin/internal/config"
	"becoin/internal/db"
	"becoin/internal/domain"
	"becoin/internal/engine"
	"becoin/internal/export"
	"becoin/internal/logger"
	"becoin/internal/migrate"
	"becoin/internal/repo"
	"becoin/internal/server"
	"becoin/internal/sim"
	"becoin/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "becoin",
	Short: "Becoin toy startup economy",
	Long: `Becoin runs a small startup economy: a treasury, a roster of agents and a
pipeline of projects, driven by discrete operations on a simulated clock.
Core concepts:
- Workspace: becoin.yml (company, economy, roster, pipeline) plus the .becoin run archive.
- Run: one economy timeline. Every accepted operation is archived with a snapshot; 'becoin init' starts a new run.
- Treasury: a single balance that never goes negative. Every change is a ledger transaction.
- Projects: pipeline -> active -> completed, with active <-> paused in between. Starting debits the cost, completing credits the value.
- Clock: 'becoin time advance' moves simulated hours forward and burns the baseline hourly cost.
- Event log: accepted and rejected operations, view with 'becoin log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if code := engine.Code(err); code != engine.CodeInternal {
			fmt.Fprintf(os.Stderr, "error [%s]: %v\n", code, err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BECOIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("run", "", "run id (defaults to the latest run)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("run", rootCmd.PersistentFlags().Lookup("run"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(timeCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(impactCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var company string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write becoin.yml if missing and start a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(company)), 0o644); err != nil {
					return err
				}
				if cfg, err = config.Load(workspace); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "wrote %s\n", config.Path(workspace))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := app.NewRun(ctx, cfg, r, sessionOptions(cfg))
				if err != nil {
					return err
				}
				snap := s.Snapshot()
				out := map[string]any{
					"run_id":  s.RunID,
					"company": cfg.Company,
					"balance": snap.Treasury.Balance.String(),
					"clock":   snap.Clock,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Run %s started for %s with %s in the treasury\n", s.RunID, cfg.Company, snap.Treasury.Balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "Becoin Labs", "company name for a new becoin.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect becoin.yml",
		Long:  "Config is the starting point of every run: company, treasury capital, baseline burn and burn policy, the agent roster and the project pipeline.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate becoin.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show treasury, clock and pipeline health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				snap := s.Snapshot()
				m := snap.Metrics
				schema, err := migrate.Version(ctx, r.DB)
				if err != nil {
					return err
				}
				latest, err := migrate.Latest()
				if err != nil {
					return err
				}
				out := map[string]any{
					"run_id":         s.RunID,
					"clock":          snap.Clock,
					"elapsed_hours":  snap.ElapsedHours,
					"treasury":       snap.Treasury,
					"metrics":        m,
					"schema_version": schema,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				runway := "n/a"
				if m.RunwayHours != nil {
					runway = m.RunwayHours.String() + "h"
				}
				fmt.Printf("Run: %s\n", s.RunID)
				fmt.Printf("Clock: %s (+%dh)\n", snap.Clock.Format(time.RFC3339), snap.ElapsedHours)
				fmt.Printf("Treasury: %s of %s start capital\n", snap.Treasury.Balance, snap.Treasury.StartCapital)
				fmt.Printf("Burn rate: %s/h, runway %s, profit margin %s%%\n", m.BurnRate, runway, m.ProfitMargin)
				fmt.Printf("Projects: %d pipeline, %d active, %d paused, %d completed\n",
					m.PipelineProjects, m.ActiveProjects, m.PausedProjects, m.CompletedProjects)
				fmt.Printf("Impact score: %d\n", m.TotalImpactScore)
				fmt.Printf("Archive schema: v%d (latest v%d)\n", schema, latest)
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Inspect archived runs",
	}
	run.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List runs, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireArchive(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Company", "Created", "Updated"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Company, run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return run
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectAddCmd())
	prj.AddCommand(projectMoveCmd("start", "Start a pipeline project and debit its cost"))
	prj.AddCommand(projectCompleteCmd())
	prj.AddCommand(projectMoveCmd("pause", "Pause an active project"))
	prj.AddCommand(projectMoveCmd("resume", "Resume a paused project"))
	return prj
}

func projectListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				snap := s.Snapshot()
				items := snap.SortedProjects()
				if stage != "" {
					items = snap.ProjectsInStage(domain.Stage(stage))
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Cost", "Value", "Impact", "Team"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Stage, p.Cost, p.Value, p.ImpactScore, strings.Join(p.Team, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter (pipeline, active, paused, completed)")
	return cmd
}

func projectAddCmd() *cobra.Command {
	var (
		p           domain.Project
		cost, value string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a pipeline project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if p.Cost, err = parseAmount("cost", cost); err != nil {
				return err
			}
			if p.Value, err = parseAmount("value", value); err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				added, err := s.AddProject(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrLine(added, fmt.Sprintf("Added %s (%s) to the pipeline", added.ID, added.Name))
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "project id")
	cmd.Flags().StringVar(&p.Name, "name", "", "project name")
	cmd.Flags().StringVar(&cost, "cost", "0", "kickoff cost")
	cmd.Flags().StringVar(&value, "value", "0", "value credited on completion")
	cmd.Flags().IntVar(&p.ImpactScore, "impact", 0, "impact score")
	cmd.Flags().StringSliceVar(&p.Team, "team", nil, "team agent ids")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectMoveCmd(op, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   op + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				var (
					p   domain.Project
					err error
				)
				switch op {
				case "start":
					p, err = s.StartProject(ctx, args[0])
				case "pause":
					p, err = s.PauseProject(ctx, args[0])
				case "resume":
					p, err = s.ResumeProject(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrLine(p, fmt.Sprintf("%s is now %s; treasury holds %s", p.ID, p.Stage, s.Snapshot().Treasury.Balance))
			})
		},
	}
	return cmd
}

func projectCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <project-id>",
		Short: "Complete an active project and credit its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				rec, err := s.CompleteProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrLine(rec, fmt.Sprintf("%s completed: value %s, ROI %sx, impact %d", rec.ProjectID, rec.Value, rec.ROI, rec.ImpactScore))
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Inspect and pay agents"}
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentPayCmd())
	return agent
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the agent roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				items := s.Snapshot().SortedAgents()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Status", "Task", "Earned", "Done", "Founder"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.Status, a.CurrentTask, a.Performance.Earned, a.Performance.ProjectsCompleted, a.Founder})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentPayCmd() *cobra.Command {
	var amount, reason string
	cmd := &cobra.Command{
		Use:   "pay <agent-id>",
		Short: "Pay an agent from the treasury",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseAmount("amount", amount)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				tx, err := s.PayAgent(ctx, args[0], value, reason)
				if err != nil {
					return err
				}
				return printJSONOrLine(tx, fmt.Sprintf("Paid %s to %s; treasury holds %s", value, args[0], tx.BalanceAfter))
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to pay")
	cmd.Flags().StringVar(&reason, "reason", "", "payment reason")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func timeCmd() *cobra.Command {
	t := &cobra.Command{Use: "time", Short: "Move the simulated clock"}
	t.AddCommand(timeAdvanceCmd())
	return t
}

func timeAdvanceCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the clock and apply the baseline burn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				adv, err := s.Advance(ctx, hours)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"clock": adv.Clock, "balance": adv.Balance}
					if adv.Tx.ID != 0 {
						out["transaction"] = adv.Tx
					}
					return printJSON(out)
				}
				line := fmt.Sprintf("Clock is %s; treasury holds %s", adv.Clock.Format(time.RFC3339), adv.Balance)
				if !adv.Tx.Shortfall.IsZero() {
					line += fmt.Sprintf(" (burn short by %s)", adv.Tx.Shortfall)
				}
				fmt.Println(line)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 1, "hours to advance")
	return cmd
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{Use: "ledger", Short: "Inspect the transaction ledger"}
	ledger.AddCommand(ledgerListCmd())
	ledger.AddCommand(ledgerVerifyCmd())
	return ledger
}

func ledgerListCmd() *cobra.Command {
	var f repo.TransactionFilters
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived transactions in id order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireArchive(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := app.ResolveRun(ctx, r, viper.GetString("run"))
				if err != nil {
					return err
				}
				f.RunID = run.ID
				f.Kind = domain.TxKind(kind)
				items, err := r.ListTransactions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Kind", "Amount", "Balance", "Reference", "Description"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Timestamp.Format(time.RFC3339), t.Kind, t.Amount, t.BalanceAfter, t.Reference, t.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter (project_cost, project_revenue, payroll, burn)")
	cmd.Flags().StringVar(&f.Reference, "reference", "", "reference filter")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only transactions after this id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows (0 for all)")
	return cmd
}

func ledgerVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the ledger and compare it with the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				err := s.Verify()
				if err == nil {
					err = reconcileArchive(ctx, s, r)
				}
				snap := s.Snapshot()
				if viper.GetBool("json") {
					out := map[string]any{"ok": err == nil, "transactions": len(snap.Transactions), "balance": snap.Treasury.Balance}
					if err != nil {
						out["error"] = err.Error()
					}
					if perr := printJSON(out); perr != nil {
						return perr
					}
					return err
				}
				if err != nil {
					return err
				}
				fmt.Printf("ledger OK: %d transactions, balance %s\n", len(snap.Transactions), snap.Treasury.Balance)
				return nil
			})
		},
	}
	return cmd
}

// reconcileArchive checks the archived ledger lines against the restored state.
func reconcileArchive(ctx context.Context, s *app.Session, r repo.Repo) error {
	archived, err := r.ListTransactions(ctx, repo.TransactionFilters{RunID: s.RunID})
	if err != nil {
		return err
	}
	live := s.TransactionsSince(0)
	if len(archived) != len(live) {
		return fmt.Errorf("%w: archive holds %d transactions, snapshot %d", engine.ErrLedgerMismatch, len(archived), len(live))
	}
	for i := range live {
		a, l := archived[i], live[i]
		if a.ID != l.ID || !a.Amount.Equal(l.Amount) || !a.BalanceAfter.Equal(l.BalanceAfter) || a.Kind != l.Kind {
			return fmt.Errorf("%w: archived transaction %d differs from snapshot", engine.ErrLedgerMismatch, a.ID)
		}
	}
	return nil
}

func impactCmd() *cobra.Command {
	impact := &cobra.Command{Use: "impact", Short: "Inspect completed project impact"}
	impact.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List impact records in completion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireArchive(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := app.ResolveRun(ctx, r, viper.GetString("run"))
				if err != nil {
					return err
				}
				items, err := r.ListImpact(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Completed", "Value", "ROI", "Impact"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ProjectID, rec.CompletedAt.Format(time.RFC3339), rec.Value, rec.ROI, rec.ImpactScore})
				}
				tw.Render()
				return nil
			})
		},
	})
	return impact
}

func exportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the dashboard JSON payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				paths, err := export.WriteDir(dir, s.Snapshot())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(paths)
				}
				for _, p := range paths {
					fmt.Println(p)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "out", "dashboard", "output directory")
	return cmd
}

func simulateCmd() *cobra.Command {
	var (
		steps   int
		seed    int64
		persist bool
		every   int
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a fresh economy with random operations and check its invariants",
		Long:  "simulate builds a new economy from becoin.yml and issues random start, complete, pay and advance operations. The run is kept in memory unless --persist is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			opts := sim.Options{
				Steps:           cfg.Simulation.Steps,
				Seed:            cfg.Simulation.Seed,
				PayMin:          cfg.Simulation.PayMin,
				PayMax:          cfg.Simulation.PayMax,
				Hours:           cfg.Simulation.Hours,
				FullVerifyEvery: every,
			}
			if cmd.Flags().Changed("steps") {
				opts.Steps = steps
			}
			if cmd.Flags().Changed("seed") {
				opts.Seed = seed
			}
			for _, a := range cfg.Agents {
				opts.AgentIDs = append(opts.AgentIDs, a.ID)
			}
			for _, p := range cfg.Projects {
				opts.ProjectIDs = append(opts.ProjectIDs, p.ID)
			}
			report := func(ctx context.Context, s *app.Session) error {
				rep, err := sim.Run(ctx, s, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("%d steps (seed %d) in %s: %d transactions, final balance %s, lowest %s\n",
					rep.Steps, rep.Seed, rep.Elapsed.Round(time.Millisecond), rep.Transactions, rep.FinalBalance, rep.MinBalance)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Operation", "Applied", "Rejected"})
				for _, op := range []string{sim.OpStart, sim.OpComplete, sim.OpPay, sim.OpAdvance} {
					var parts []string
					for code, n := range rep.Rejected[op] {
						parts = append(parts, fmt.Sprintf("%s=%d", code, n))
					}
					tw.AppendRow(table.Row{op, rep.Applied[op], strings.Join(parts, " ")})
				}
				tw.Render()
				return nil
			}
			if !persist {
				eng, err := app.NewEngine(cfg, nil)
				if err != nil {
					return err
				}
				return report(cmd.Context(), app.NewSession(eng, sessionOptions(cfg)))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := app.NewRun(ctx, cfg, r, sessionOptions(cfg))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "simulating into run %s\n", s.RunID)
				return report(ctx, s)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1000, "number of random operations")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	cmd.Flags().BoolVar(&persist, "persist", false, "archive the simulation as a new run")
	cmd.Flags().IntVar(&every, "verify-every", 0, "run a full ledger verification every n steps")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the run event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireArchive(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := app.ResolveRun(ctx, r, viper.GetString("run"))
				if err != nil {
					return err
				}
				f.RunID = run.ID
				items, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += ":" + e.EntityID
					}
					tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, entity, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server on the current run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session, r repo.Repo) error {
				cfg := workspaceConfig()
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				log := newLogger(cfg)
				handler, err := server.New(server.Config{
					Session:       s,
					Repo:          &r,
					BasePath:      basePath,
					Log:           log,
					ExportCacheMB: cfg.Server.ExportCacheMB,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info("serving becoin api", "addr", addr, "base_path", basePath, "run", s.RunID)
				fmt.Printf("Serving Becoin API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// workspaceConfig returns becoin.yml, or the defaults when the file is
// missing or broken. It only feeds ambient settings such as logging.
func workspaceConfig() *config.Config {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil || cfg == nil {
		return config.Default()
	}
	return cfg
}

func newLogger(cfg *config.Config) *slog.Logger {
	logging := cfg.Logging
	if level := viper.GetString("log-level"); level != "" {
		logging.Level = level
	}
	return logger.New(logging)
}

func sessionOptions(cfg *config.Config) app.SessionOptions {
	opts := app.SessionOptions{
		Log:   newLogger(cfg),
		Actor: viper.GetString("actor-id"),
	}
	if m, err := telemetry.NewMetrics(); err == nil {
		opts.Metrics = m
	} else {
		opts.Log.Warn("metrics disabled", "err", err)
	}
	return opts
}

// requireArchive fails early instead of creating an empty database for
// commands that read an existing run.
func requireArchive() error {
	workspace := viper.GetString("workspace")
	if !db.Exists(workspace) {
		return fmt.Errorf("no run archive at %s: %w (run 'becoin init')", db.Path(workspace), repo.ErrNotFound)
	}
	return nil
}

func withSession(ctx context.Context, fn func(context.Context, *app.Session, repo.Repo) error) error {
	if err := requireArchive(); err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		run, err := app.ResolveRun(ctx, r, viper.GetString("run"))
		if err != nil {
			return err
		}
		s, err := app.ResumeRun(ctx, r, run.ID, sessionOptions(workspaceConfig()))
		if err != nil {
			return err
		}
		return fn(ctx, s, r)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a decimal", engine.ErrInvalidAmount, field, raw)
	}
	return d, nil
}

func printJSONOrLine(v any, line string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(line)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
