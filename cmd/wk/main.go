package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"watchkeeper/internal/app"
	"watchkeeper/internal/classify"
	"watchkeeper/internal/config"
	"watchkeeper/internal/db"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/logging"
	"watchkeeper/internal/migrate"
	"watchkeeper/internal/repo"
	"watchkeeper/internal/server"
	"watchkeeper/internal/settings"
	"watchkeeper/internal/telemetry"
)

var version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "wk",
	Short: "Watchkeeper handover CLI",
	Long: `Watchkeeper turns crew log entries into a signed rotation handover.
- Entries: short notes from the watch; a department head confirms or dismisses them.
- Draft: confirmed entries of the period grouped by department, with duplicates pre-merged.
- Review: DRAFT -> IN_REVIEW -> ACCEPTED -> SIGNED -> EXPORTED. Edits never overwrite.
- Sign-off: the outgoing officer accepts, the incoming officer signs, the snapshot is hashed.
- Export: pdf, html or email, always rendered from the signed snapshot.
- Event log: every change, view with 'wk log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	settings.Configure(viper.GetViper())
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("vessel", "", "vessel id (overrides watchkeeper.yml)")
	flags.String("user-id", "local-user", "acting user id")
	flags.String("role", "captain", "acting role")
	for _, name := range []string{"workspace", "json", "vessel", "user-id", "role"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(entryCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Vessel configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default watchkeeper.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			vessel := strings.TrimSpace(viper.GetString("vessel"))
			if vessel == "" {
				return fmt.Errorf("--vessel required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(vessel)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate watchkeeper.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("ok: vessel %s, %d domains, %d roles\n", cfg.Vessel.ID, len(cfg.DomainCodes()), len(cfg.RBAC.Roles))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Run(conn)
			if err != nil {
				return err
			}
			for _, a := range applied {
				fmt.Printf("applied %s\n", a.Name)
			}
			fmt.Println("database ready at", db.Path(viper.GetString("workspace")))
			return nil
		},
	}
}

func entryCmd() *cobra.Command {
	entry := &cobra.Command{Use: "entry", Short: "Handover entries"}
	entry.AddCommand(entryAddCmd())
	entry.AddCommand(entryListCmd())
	entry.AddCommand(entryConfirmCmd())
	entry.AddCommand(entryDismissCmd())
	return entry
}

func entryAddCmd() *cobra.Command {
	var narrative, domainCode string
	var risks []string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				opts := engine.EntryCreateOptions{Narrative: narrative}
				if domainCode != "" {
					opts.Hint = &classify.Classification{PrimaryDomain: domainCode, RiskTags: risks, Confidence: confidence}
				}
				entry, err := e.CreateEntry(ctx, actor, opts)
				var cu engine.ClassificationUnavailableError
				if errors.As(err, &cu) && entry.ID != "" {
					fmt.Fprintln(os.Stderr, "warning: classifier unavailable, entry saved unclassified")
					err = nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&narrative, "text", "", "narrative text")
	cmd.Flags().StringVar(&domainCode, "domain", "", "primary domain code (skips the classifier)")
	cmd.Flags().StringSliceVar(&risks, "risk", nil, "risk tags")
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "confidence of --domain")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func entryListCmd() *cobra.Command {
	var opts engine.EntryListOptions
	var flagged bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("flagged") {
				opts.Flagged = &flagged
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				items, err := e.ListEntries(ctx, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Created", "Domain", "Status", "Confirmed", "Narrative"})
				for _, en := range items {
					confirmed := ""
					if en.ConfirmedAt != nil {
						confirmed = deref(en.ConfirmedBy)
					}
					tw.AppendRow(table.Row{en.ID, en.CreatedAt, deref(en.PrimaryDomain), en.Status, confirmed, en.NarrativeText})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "candidate, suppressed or resolved")
	cmd.Flags().BoolVar(&flagged, "flagged", false, "only entries whose classification is flagged")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max rows")
	return cmd
}

func entryConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <entry-id>",
		Short: "Confirm a candidate entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				entry, err := e.ConfirmEntry(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func entryDismissCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dismiss <entry-id>",
		Short: "Dismiss a candidate entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				entry, err := e.DismissEntry(ctx, actor, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the entry is dismissed")
	return cmd
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{Use: "draft", Short: "Handover drafts"}
	d.AddCommand(draftGenerateCmd())
	d.AddCommand(draftListCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftTransitionCmd("review", "Start reviewing a draft", func(ctx context.Context, e engine.Engine, a auth.Actor, id string, _ bool, v int) (domain.Draft, error) {
		return e.StartReview(ctx, a, id, v)
	}))
	d.AddCommand(draftTransitionCmd("accept", "Accept a reviewed draft as the outgoing officer", func(ctx context.Context, e engine.Engine, a auth.Actor, id string, yes bool, v int) (domain.Draft, error) {
		return e.Accept(ctx, a, id, yes, v)
	}))
	d.AddCommand(draftTransitionCmd("sign", "Countersign an accepted draft as the incoming officer", func(ctx context.Context, e engine.Engine, a auth.Actor, id string, yes bool, v int) (domain.Draft, error) {
		return e.Sign(ctx, a, id, yes, v)
	}))
	d.AddCommand(draftReopenCmd())
	return d
}

func draftGenerateCmd() *cobra.Command {
	var opts engine.GenerateOptions
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Assemble a draft, or print the vessel's active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				d, created, err := e.GenerateDraft(ctx, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if !created {
					fmt.Println("active draft already exists")
				}
				printDraft(d)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.OutgoingUserID, "outgoing", "", "designated outgoing signatory")
	cmd.Flags().StringVar(&opts.IncomingUserID, "incoming", "", "designated incoming signatory")
	return cmd
}

func draftListCmd() *cobra.Command {
	var opts engine.DraftListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				items, err := e.ListDrafts(ctx, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Generated", "State", "Version", "Period"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.GeneratedAt, d.State, d.Version, d.PeriodStart + " .. " + d.PeriodEnd})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.State, "state", "", "state filter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "max rows")
	return cmd
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <draft-id>",
		Short: "Show a draft with its sections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				d, err := e.GetDraft(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printDraft(d)
				return nil
			})
		},
	}
}

type transitionFn func(ctx context.Context, e engine.Engine, actor auth.Actor, id string, confirm bool, expectVersion int) (domain.Draft, error)

func draftTransitionCmd(use, short string, fn transitionFn) *cobra.Command {
	var yes bool
	var expect int
	cmd := &cobra.Command{
		Use:   use + " <draft-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				d, err := fn(ctx, e, actor, args[0], yes, expect)
				if err != nil {
					return describeError(err)
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the sign-off step")
	cmd.Flags().IntVar(&expect, "expect-version", 0, "fail if the draft version differs")
	return cmd
}

func draftReopenCmd() *cobra.Command {
	var reason string
	var expect int
	cmd := &cobra.Command{
		Use:   "reopen <draft-id>",
		Short: "Send an accepted draft back to review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				d, err := e.Reopen(ctx, actor, args[0], reason, expect)
				if err != nil {
					return describeError(err)
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the draft is reopened")
	cmd.Flags().IntVar(&expect, "expect-version", 0, "fail if the draft version differs")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func exportCmd() *cobra.Command {
	x := &cobra.Command{Use: "export", Short: "Exports of signed handovers"}
	x.AddCommand(exportCreateCmd())
	x.AddCommand(exportListCmd())
	return x
}

func exportCreateCmd() *cobra.Command {
	var opts engine.ExportOptions
	var out string
	cmd := &cobra.Command{
		Use:   "create <draft-id>",
		Short: "Render a signed draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				res, err := e.Export(ctx, actor, args[0], opts)
				if err != nil {
					return describeError(err)
				}
				if out != "" {
					rc, _, err := e.OpenArtifact(ctx, actor, res.Export.ID)
					if err != nil {
						return err
					}
					defer rc.Close()
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					if _, err := io.Copy(f, rc); err != nil {
						f.Close()
						return err
					}
					if err := f.Close(); err != nil {
						return err
					}
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Format, "type", domain.ExportPDF, "pdf, html or email")
	cmd.Flags().StringSliceVar(&opts.Recipients, "to", nil, "email recipients")
	cmd.Flags().BoolVar(&opts.Regenerate, "regenerate", false, "render again even if an identical export exists")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the artifact to this file")
	return cmd
}

func exportListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <draft-id>",
		Short: "List exports of a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				items, err := e.ListExports(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Exported", "By", "Hash"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.ExportType, x.ExportedAt, x.ExportedBy, x.DocumentHash[:12]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every lifecycle change of entries, drafts and exports, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Actor) error {
				events, err := e.ListEvents(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entry, draft or export")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "API keys for integrations"}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var userID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if len(cfg.RolePermissions(role)) == 0 {
				return fmt.Errorf("role %q has no permissions in watchkeeper.yml", role)
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "wk_" + hex.EncodeToString(raw)
			e, conn, err := app.Open(viper.GetString("workspace"), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			key := domain.APIKey{
				ID:        uuid.NewString(),
				UserID:    userID,
				Role:      role,
				VesselID:  cfg.Vessel.ID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if err := e.Repo.InsertAPIKey(cmd.Context(), nil, key); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"key": key, "secret": secret})
			}
			fmt.Printf("%s\n\nStore this key now; it cannot be shown again.\n", secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the key acts as")
	cmd.Flags().StringVar(&role, "key-role", "ingest", "role granted to the key")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys of the vessel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			e, conn, err := app.Open(viper.GetString("workspace"), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			keys, err := e.Repo.ListAPIKeys(cmd.Context(), cfg.Vessel.ID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(keys)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "User", "Role", "Created"})
			for _, k := range keys {
				tw.AppendRow(table.Row{k.ID, k.Name, k.UserID, k.Role, k.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger := logging.New(logging.Options{Level: s.LogLevel, Format: s.LogFormat})
			ctx := cmd.Context()
			if err := telemetry.Init(ctx, telemetry.Options{Enabled: s.OTelEnabled, Version: version}); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = telemetry.Shutdown(shutdownCtx)
			}()
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			rt, err := app.Build(ctx, s, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if s.JWTSecret == "" && !s.AllowLegacyHeaders {
				logger.Warn("no WATCHKEEPER_JWT_SECRET set; only API keys will authenticate")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: s.BasePath,
				Logger:   logger,
				Auth: server.AuthConfig{
					JWTSecret:          s.JWTSecret,
					AllowLegacyHeaders: s.AllowLegacyHeaders,
					Logger:             logger,
				},
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, rt.Engine, logger)
			srv := &http.Server{Addr: s.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.WithField("addr", s.Addr).WithField("vessel_id", cfg.Vessel.ID).
				Infof("serving Watchkeeper API at http://%s%s (docs at %s/docs)", s.Addr, s.BasePath, s.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "127.0.0.1:8080", "listen address")
	flags.String("base-path", "/v1", "API base path")
	flags.Bool("allow-legacy-headers", false, "accept X-User-Id/X-Role/X-Vessel-Id identity headers")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "json", "json or text")
	_ = viper.BindPFlag("addr", flags.Lookup("addr"))
	_ = viper.BindPFlag("base_path", flags.Lookup("base-path"))
	_ = viper.BindPFlag("allow_legacy_headers", flags.Lookup("allow-legacy-headers"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wk", version)
		},
	}
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	cfg, err := app.ResolveConfig(viper.GetString("workspace"), strings.TrimSpace(viper.GetString("vessel")))
	if err != nil {
		return nil, err
	}
	if cfg.Vessel.ID == "" {
		return nil, fmt.Errorf("vessel not set; run 'wk config init --vessel <id>' or pass --vessel")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, auth.Actor) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	e, conn, err := app.Open(viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	actor := auth.Actor{
		UserID:   viper.GetString("user-id"),
		Role:     viper.GetString("role"),
		VesselID: cfg.Vessel.ID,
	}
	return fn(ctx, e, actor)
}

func describeError(err error) error {
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return fmt.Errorf("%s (%s)", te.Error(), te.Code)
	}
	return err
}

func printDraft(d domain.Draft) {
	fmt.Printf("Draft %s  [%s v%d]\n", d.ID, d.State, d.Version)
	fmt.Printf("Period %s .. %s\n", d.PeriodStart, d.PeriodEnd)
	for si, sec := range d.Sections {
		lastSection := si == len(d.Sections)-1
		connector, prefix := "├── ", "│   "
		if lastSection {
			connector, prefix = "└── ", "    "
		}
		fmt.Printf("%s%s\n", connector, sec.BucketName)
		var live []domain.DraftItem
		for _, it := range sec.Items {
			if it.SupersededBy == nil {
				live = append(live, it)
			}
		}
		for ii, it := range live {
			c := "├── "
			if ii == len(live)-1 {
				c = "└── "
			}
			marks := ""
			if it.ConflictFlag {
				marks += " " + text.FgRed.Sprint("[conflict]")
			}
			if it.UncertaintyFlag {
				marks += " " + text.FgYellow.Sprint("[uncertain]")
			}
			fmt.Printf("%s%s%s (%s, %s)%s\n", prefix, c, it.SummaryText, it.DomainCode, it.ConfidenceLevel, marks)
		}
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
