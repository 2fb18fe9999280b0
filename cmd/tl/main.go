package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"targetline/internal/config"
	"targetline/internal/db"
	"targetline/internal/domain"
	"targetline/internal/engine"
	"targetline/internal/handoff"
	"targetline/internal/ingest"
	"targetline/internal/migrate"
	"targetline/internal/notify"
	"targetline/internal/report"
	"targetline/internal/repo"
	"targetline/internal/server"
	"targetline/internal/validate"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Targetline CLI",
	Long: `Targetline turns investigation targets into versioned collection packages,
hands them to an execution service, and ingests what comes back.
- Workspace: a directory holding targetline.yml and the .targetline database.
- Target: a person, organization, event, location, technology, or operation under research.
- Package: one versioned collection plan for a target; at most one is active per target.
- Validation: V0 gates the plan, V1 the execution result, V2 the ingested outputs.
- Handoff: ready packages become tasks on the execution service; polling mirrors their state back.
- Ledger: every status change lands in an append-only history ('tl package inspect').
Run 'tl run daemon' to keep targets moving, or 'tl run once' to take a single step each.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates plan problems (2) and execution-service refusals (3)
// from everything else (1) so scripts can branch on the failure class.
func exitCode(err error) int {
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		return 2
	}
	var rerr *handoff.RejectedError
	if errors.As(err, &rerr) {
		return 3
	}
	return 1
}

func initConfig() {
	viper.SetEnvPrefix("TARGETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded in the ledger (defaults to officer.actor from config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			} else if err != nil {
				return err
			} else {
				fmt.Printf("Keeping existing %s\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Workspace database ready at %s (schema v%d)\n", db.Path(workspace), v)
			return nil
		},
	}
	return cmd
}

func targetCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "target",
		Short: "Manage collection targets",
		Long:  "Targets are the entities under research. They start new, move to under_research once a package exists, become covered when collection closes, and can only ever be archived, never deleted.",
	}
	t.AddCommand(targetAddCmd())
	t.AddCommand(targetEditCmd())
	t.AddCommand(targetListCmd())
	t.AddCommand(targetShowCmd())
	t.AddCommand(targetArchiveCmd())
	return t
}

// parseMetaPairs turns repeated key=value flags into a metadata map.
func parseMetaPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", pair)
		}
		meta[k] = v
	}
	return meta, nil
}

func targetAddCmd() *cobra.Command {
	var name, kind string
	var priority int
	var metaPairs []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetaPairs(metaPairs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.AddTarget(ctx, name, domain.TargetKind(kind), priority, meta)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "target name")
	cmd.Flags().StringVar(&kind, "kind", "", "person, organization, event, location, technology, or operation")
	cmd.Flags().IntVar(&priority, "priority", 50, "priority 0..100, higher is more urgent")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "metadata key=value, repeatable")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func targetEditCmd() *cobra.Command {
	var name string
	var priority int
	var metaPairs []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a target's name, priority, or metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetaPairs(metaPairs)
			if err != nil {
				return err
			}
			var namePtr *string
			if cmd.Flags().Changed("name") {
				namePtr = &name
			}
			var prioPtr *int
			if cmd.Flags().Changed("priority") {
				prioPtr = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.UpdateTarget(ctx, args[0], namePtr, prioPtr, meta)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new target name")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority 0..100")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "metadata key=value to set, repeatable; an empty value removes the key")
	return cmd
}

func targetListCmd() *cobra.Command {
	var f repo.TargetFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				targets, err := r.ListTargets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(targets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Kind", "Priority", "Status", "Updated"})
				for _, t := range targets {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Kind, t.Priority, t.Status, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func targetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a target and its packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTarget(ctx, args[0])
				if err != nil {
					return err
				}
				pkgs, err := r.ListPackages(ctx, repo.PackageFilters{TargetID: t.ID})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"target":   t,
					"packages": pkgs,
				})
			})
		},
	}
	return cmd
}

func targetArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.ArchiveTarget(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Args = cobra.ExactArgs(1)
	return cmd
}

func packageCmd() *cobra.Command {
	pkg := &cobra.Command{
		Use:   "package",
		Short: "Manage collection packages",
		Long:  "Packages are versioned collection plans. Drafts are edited and validated by hand or by the loop; everything past ready is driven by reconciliation ('tl run').",
	}
	pkg.AddCommand(packageCreateCmd())
	pkg.AddCommand(packageEditCmd())
	pkg.AddCommand(packageValidateCmd())
	pkg.AddCommand(packageSubmitCmd())
	pkg.AddCommand(packageInspectCmd())
	pkg.AddCommand(packageListCmd())
	return pkg
}

func packageCreateCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Draft a package for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreatePackage(ctx, targetID, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target id")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func packageEditCmd() *cobra.Command {
	var summary, addItem string
	var addOutputs, removeItems []string
	cmd := &cobra.Command{
		Use:   "edit <package-id>",
		Short: "Rework a draft's plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PackageEditOptions{
				PackageID:   args[0],
				RemoveItems: removeItems,
				Actor:       viper.GetString("actor"),
			}
			if cmd.Flags().Changed("summary") {
				opts.PlanSummary = &summary
			}
			if addItem != "" {
				opts.AddItems = []engine.PlanAddition{{Descriptor: addItem, Outputs: addOutputs}}
			} else if len(addOutputs) > 0 {
				return fmt.Errorf("--add-output needs --add-item")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.EditPackage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "replace the plan summary")
	cmd.Flags().StringVar(&addItem, "add-item", "", "collection item descriptor to add")
	cmd.Flags().StringArrayVar(&addOutputs, "add-output", []string{}, "expected output for the added item (repeatable)")
	cmd.Flags().StringArrayVar(&removeItems, "remove-item", []string{}, "collection item descriptor to remove (repeatable)")
	return cmd
}

func packageValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <package-id>",
		Short: "Gate a draft and promote it to ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ValidatePackage(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func packageSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <package-id>",
		Short: "Hand a ready package to the execution service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.SubmitPackage(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func packageInspectCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "inspect <package-id>",
		Short: "Show a package with its history, manifest, and handoffs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				insp, err := e.InspectPackage(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSONOrTable(insp); err != nil {
					return err
				}
				if verify {
					if err := e.VerifyHistory(ctx, args[0]); err != nil {
						return err
					}
					if !viper.GetBool("json") {
						fmt.Println("history replay matches current status")
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "replay the ledger and check it lands on the current status")
	return cmd
}

func packageListCmd() *cobra.Command {
	var f repo.PackageFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				pkgs, err := r.ListPackages(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pkgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Target", "Version", "Status", "Level", "Updated"})
				for _, p := range pkgs {
					tw.AppendRow(table.Row{p.PackageID, p.TargetID, p.Version, p.Status, p.ValidationLevel, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TargetID, "target", "", "target filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Reconcile targets",
		Long:  "Each pass gives every non-archived target at most one step: draft, validate, submit, poll, ingest, replan, or close. Repeated passes converge; nothing races ahead of the execution service.",
	}
	run.AddCommand(runOnceCmd())
	run.AddCommand(runDaemonCmd())
	return run
}

func runOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()
			return withEngineLog(cmd.Context(), log, func(ctx context.Context, e *engine.Engine) error {
				sum, err := e.ReconcileOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	return cmd
}

func runDaemonCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Reconcile on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withEngineLog(ctx, log, func(ctx context.Context, e *engine.Engine) error {
				if cmd.Flags().Changed("interval") {
					e.Config.Loop.Interval = config.Duration(interval)
				}
				if d := notify.New(e.Ledger, e.Config.Webhooks, log); d != nil {
					go d.Run(ctx)
				}
				if err := e.RunDaemon(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between passes")
	return cmd
}

func reportCmd() *cobra.Command {
	var window, out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize targets, packages, and recent failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			dur, err := parseWindow(window)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep := report.Reporter{Repo: e.Repo, Ledger: e.Ledger, Config: e.Config, Now: e.Now}
				sum, err := rep.Build(ctx, dur)
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if viper.GetBool("json") {
					enc := json.NewEncoder(&buf)
					enc.SetIndent("", "  ")
					if err := enc.Encode(sum); err != nil {
						return err
					}
				} else {
					report.Render(&buf, sum)
				}
				if out != "" {
					return os.WriteFile(out, buf.Bytes(), 0o644)
				}
				_, err = os.Stdout.Write(buf.Bytes())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&window, "window", "", "failure window: daily, weekly, or a duration like 36h")
	cmd.Flags().StringVar(&out, "out", "", "write the report to a file instead of stdout")
	return cmd
}

func parseWindow(s string) (time.Duration, error) {
	switch strings.TrimSpace(s) {
	case "":
		return 0, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q: use daily, weekly, or a duration", s)
		}
		return d, nil
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withEngineLog(ctx, log, func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("TARGETLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					fmt.Fprintln(os.Stderr, "TARGETLINE_JWT_SECRET not set; serving without auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Targetline API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withEngineLog(ctx, zap.NewNop(), fn)
}

func withEngineLog(ctx context.Context, log *zap.Logger, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	resolveRoots(workspace, cfg)
	exec := handoff.NewClient(cfg.Execution.Endpoint, cfg.Execution.AuthToken)
	e := engine.New(conn, cfg, exec, ingest.FS{Root: cfg.Evidence.Root}, log)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveRoots anchors relative staging and evidence roots to the workspace
// so commands behave the same from any directory.
func resolveRoots(workspace string, cfg *config.Config) {
	if !filepath.IsAbs(cfg.Staging.Root) {
		cfg.Staging.Root = filepath.Join(workspace, cfg.Staging.Root)
	}
	if !filepath.IsAbs(cfg.Evidence.Root) {
		cfg.Evidence.Root = filepath.Join(workspace, cfg.Evidence.Root)
	}
}

func newLogger() *zap.Logger {
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
