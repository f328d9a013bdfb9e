package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aimdrag/internal/app"
	"aimdrag/internal/audit"
	"aimdrag/internal/config"
	"aimdrag/internal/domain"
	"aimdrag/internal/governance"
	"aimdrag/internal/repo"
	"aimdrag/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "aimdrag",
	Short: "AIM-DRAG governance gate",
	Long: `aimdrag admits AI workflow requests only when they carry a complete
declaration (actor, input, mission) and a mode (draft, research, grunt,
execute). Every decision and outcome is appended to a hash-chained audit log.

- Declaration: who is accountable, what the AI may read, what it must achieve.
- Modes: draft and research never allow side effects and filter prescriptive
  language from outputs; grunt and execute allow side effects.
- Audit log: JSON lines linked by sha256; 'aimdrag audit verify' replays it.
- Archive: verified records copied into sqlite or postgres for queries.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AIMDRAG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(modesCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(lintCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(archiveCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage aimdrag.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.AddCommand(initCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate aimdrag.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"valid":     true,
				"workflows": len(cfg.Workflows),
				"phrases":   len(cfg.Filter().Phrases()),
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: a.Logger}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("AIMDRAG_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Gate: a.Gate, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				a.Logger.InfoContext(ctx, "serving aimdrag api", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving AIM-DRAG API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func modesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List modes and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			type row struct {
				Mode domain.Mode `json:"mode"`
				governance.Permissions
			}
			var rows []row
			for _, m := range governance.Modes() {
				rows = append(rows, row{Mode: m, Permissions: governance.PermissionsFor(m)})
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Mode", "Side effects", "Language filter"})
			for _, r := range rows {
				tw.AppendRow(table.Row{strings.ToUpper(string(r.Mode)), r.AllowsSideEffects, r.RequiresLanguageFilter})
			}
			tw.Render()
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "check <declaration.json|->",
		Short: "Validate a declaration without auditing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			var d domain.Declaration
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("invalid declaration json: %w", err)
			}
			res := governance.Validate(d)
			if mode != "" {
				m, err := governance.ParseMode(mode)
				var ve *governance.ValidationError
				if errors.As(err, &ve) {
					res.OK = false
					res.Violations = append(res.Violations, ve.Violations...)
					res.Reason = (&governance.ValidationError{Violations: res.Violations}).Error()
				} else if res.OK {
					res.Reason = governance.Summary(d, m)
				}
			}
			if err := printResult(res); err != nil {
				return err
			}
			if !res.OK {
				return errors.New("declaration rejected")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "also check the mode name")
	return cmd
}

func printResult(res governance.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.OK {
		fmt.Println("ok:", res.Reason)
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Rule", "Message"})
	for _, v := range res.Violations {
		tw.AppendRow(table.Row{v.Rule, v.Message})
	}
	tw.Render()
	return nil
}

func lintCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "lint <file|->",
		Short: "Check output text for prescriptive language",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := governance.ParseMode(mode)
			if err != nil {
				return err
			}
			if !governance.PermissionsFor(m).RequiresLanguageFilter {
				fmt.Printf("mode %s does not filter language\n", strings.ToUpper(string(m)))
				return nil
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			hits := cfg.Filter().Check(string(data))
			if viper.GetBool("json") {
				if err := printJSON(hits); err != nil {
					return err
				}
			} else if len(hits) > 0 {
				tw := newTable()
				tw.AppendHeader(table.Row{"Phrase", "Category", "Count"})
				for _, h := range hits {
					tw.AppendRow(table.Row{h.Phrase, h.Category, h.Count})
				}
				tw.Render()
			}
			if len(hits) > 0 {
				return fmt.Errorf("%d prescriptive phrase(s) found", len(hits))
			}
			if !viper.GetBool("json") {
				fmt.Println("ok")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "research", "mode the text was produced under")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit chain"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Replay and verify the audit chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			var v audit.Verification
			err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var err error
				v, err = a.Gate.Verify(ctx)
				return err
			})
			var ce *audit.CorruptionError
			if errors.As(err, &ce) {
				at := ce.BrokenAt
				v = audit.Verification{OK: false, BrokenAt: &at, Reason: ce.Reason, Records: at}
			} else if err != nil {
				return err
			}
			if err := printVerification(v); err != nil {
				return err
			}
			if !v.OK {
				return audit.ErrChainCorrupted
			}
			return nil
		},
	})

	var n int
	var f audit.Filter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Limit = n
				recs, err := a.Chain.Records(ctx, f)
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of records")
	tail.Flags().StringVar((*string)(&f.Outcome), "outcome", "", "outcome filter")
	tail.Flags().StringVar((*string)(&f.Mode), "mode", "", "mode filter")
	tail.Flags().StringVar(&f.Workflow, "workflow", "", "workflow filter")
	cmd.AddCommand(tail)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <trace-id>",
		Short: "Show every record of a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Chain.Records(ctx, audit.Filter{TraceID: args[0]})
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					return fmt.Errorf("no records for trace %s", args[0])
				}
				return printJSON(recs)
			})
		},
	})
	return cmd
}

func printVerification(v audit.Verification) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	if v.OK {
		fmt.Printf("ok: %d records, tail %s\n", v.Records, v.Tail)
		return nil
	}
	fmt.Printf("broken at sequence %d: %s\n", *v.BrokenAt, v.Reason)
	return nil
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "archive", Short: "Copy verified records into a queryable database"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Import new verified records into the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, conn, err := app.OpenArchive(a.Workspace, a.Config)
				if err != nil {
					return err
				}
				defer conn.Close()
				res, err := app.SyncArchive(ctx, a.Chain, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})

	var f repo.RecordFilters
	var counts bool
	query := &cobra.Command{
		Use:   "query",
		Short: "Query archived records",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			r, conn, err := app.OpenArchive(workspace, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if counts {
				out, err := r.OutcomeCounts(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			}
			recs, err := r.ListRecords(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printRecords(recs)
		},
	}
	query.Flags().StringVar(&f.TraceID, "trace", "", "trace id")
	query.Flags().StringVar((*string)(&f.Outcome), "outcome", "", "outcome filter")
	query.Flags().StringVar((*string)(&f.Mode), "mode", "", "mode filter")
	query.Flags().StringVar(&f.Workflow, "workflow", "", "workflow filter")
	query.Flags().StringVar(&f.Phrase, "phrase", "", "records flagged with this phrase")
	query.Flags().IntVar(&f.Limit, "limit", 50, "max records")
	query.Flags().BoolVar(&counts, "counts", false, "print record counts per outcome")
	cmd.AddCommand(query)
	return cmd
}

// --- helpers ---

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Log.Level
	if l := viper.GetString("log-level"); l != "" {
		level = l
	}
	return app.NewLogger(os.Stderr, level, cfg.Log.Format)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readInput(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(arg)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printRecords(recs []domain.AuditRecord) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Time", "Trace", "Mode", "Workflow", "Outcome", "Hash"})
	for _, r := range recs {
		tw.AppendRow(table.Row{
			r.Sequence,
			r.Timestamp.Format(time.RFC3339),
			r.TraceID,
			strings.ToUpper(string(r.Mode)),
			r.WorkflowName,
			r.Outcome,
			r.IntegrityHash[:12],
		})
	}
	tw.Render()
	return nil
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
