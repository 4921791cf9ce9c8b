package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"enrollment/internal/app"
	"enrollment/internal/changefeed"
	"enrollment/internal/config"
	"enrollment/internal/db"
	"enrollment/internal/domain"
	"enrollment/internal/engine"
	"enrollment/internal/migrate"
	"enrollment/internal/rate"
	"enrollment/internal/statustext"
	"enrollment/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "enr",
	Short: "Enrollment CLI",
	Long: `enr runs and inspects the participant enrollment service.
- Participants are enrolled on a list and change through an append-only history.
- Snapshots are built from the participant and its history in two versions and
  published to an outbox when their fingerprint changes.
- Reference data (organizations, offices, case-workers, persons, lists) is kept
  in sync from change feeds and resolved from the authority on a miss.`,
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ENROLLMENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".", "directory holding enrollment.yml and the database")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(referenceCmd())
	rootCmd.AddCommand(outboxCmd())
}

func loadConfig() (*config.Config, error) {
	dir := viper.GetString("data-dir")
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = db.DefaultPath(dir)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr string
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("ENROLLMENT_SERVER_JWT_SECRET is required for bearer auth")
			}
			logger, err := app.NewLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			shutdown, err := telemetry.Setup(cmd.Context(), cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(ctx)
			}()
			a, err := app.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := a.Handler()
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				logger.Info("serving enrollment api", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if !noDispatch && len(cfg.Publish.Sinks) > 0 {
				g.Go(func() error { return a.Dispatcher.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "do not deliver the outbox to sinks")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: cfg.Store.Path, BusyTimeoutMillis: cfg.Store.BusyTimeoutMillis})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (%s)\n", version, cfg.Store.Path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default enrollment.yml",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.GenerateDefault())
		},
	})
	return cfgCmd
}

func participantCmd() *cobra.Command {
	pc := &cobra.Command{Use: "participant", Short: "Inspect and publish participants"}
	pc.AddCommand(participantEnrollCmd())
	pc.AddCommand(participantShowCmd())
	pc.AddCommand(participantHistoryCmd())
	pc.AddCommand(participantTimelineCmd())
	pc.AddCommand(participantSnapshotCmd())
	pc.AddCommand(participantPublishCmd())
	pc.AddCommand(participantDeleteCmd())
	return pc
}

func participantEnrollCmd() *cobra.Command {
	var listID, ident, status string
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a person on a list",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := uuid.Parse(listID)
			if err != nil {
				return fmt.Errorf("invalid --list: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Enroll(ctx, engine.EnrollOptions{ListID: list, PersonIdent: ident, Status: domain.StatusType(status)})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&listID, "list", "", "participant list id")
	cmd.Flags().StringVar(&ident, "ident", "", "person ident")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default DRAFT)")
	return cmd
}

func participantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <participant-id>",
		Short: "Show a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParticipant(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id uuid.UUID) error {
				p, err := e.Participant(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s  %s  %s\n", p.ID, p.Person.Ident, statustext.DisplayText(p.Status.Type))
				return nil
			})
		},
	}
}

func participantHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <participant-id>",
		Short: "List history, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParticipant(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id uuid.UUID) error {
				entries, err := e.History(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(domain.Tag(entries))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Occurred", "Kind", "ID"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.OccurredAt().Format(time.RFC3339), entry.Kind(), entry.EntryID()})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func participantTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <participant-id>",
		Short: "Show the participation-rate timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParticipant(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id uuid.UUID) error {
				p, err := e.Participant(ctx, id)
				if err != nil {
					return err
				}
				records, err := e.Timeline(ctx, id)
				if err != nil {
					return err
				}
				periods := rate.Bounds(records, p.EndDate)
				if viper.GetBool("json") {
					return printJSON(periods)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "Until", "Percent", "Days/week"})
				for _, period := range periods {
					until, days := "", ""
					if period.Until != nil {
						until = period.Until.Format(time.DateOnly)
					}
					if period.DaysPerWeek != nil {
						days = fmt.Sprintf("%g", *period.DaysPerWeek)
					}
					tw.AppendRow(table.Row{period.EffectiveFrom.Format(time.DateOnly), until, fmt.Sprintf("%g%%", period.Percent), days})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func participantSnapshotCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "snapshot <participant-id>",
		Short: "Build the participant snapshot without publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParticipant(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id uuid.UUID) error {
				snap, err := e.BuildSnapshot(ctx, id, false)
				if err != nil {
					return err
				}
				switch version {
				case "v1":
					return printJSON(snap.V1)
				case "v2":
					return printJSON(snap.V2)
				default:
					return printJSON(snap)
				}
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "v1, v2 or empty for both")
	return cmd
}

func participantPublishCmd() *cobra.Command {
	var forced bool
	cmd := &cobra.Command{
		Use:   "publish <participant-id>",
		Short: "Publish the participant snapshot to the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParticipant(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id uuid.UUID) error {
				res, err := e.Publish(ctx, id, forced)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped {
					fmt.Printf("unchanged (%s)\n", res.Fingerprint)
					return nil
				}
				fmt.Printf("published %d records (%s)\n", len(res.OutboxIDs), res.Fingerprint)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&forced, "forced", false, "publish even when unchanged")
	return cmd
}

func participantDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <participant-id>",
		Short: "Delete a participant with its history and outbox records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withParticipant(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id uuid.UUID) error {
				if err := e.DeleteParticipant(ctx, id); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", id)
				return nil
			})
		},
	}
}

func feedCmd() *cobra.Command {
	fc := &cobra.Command{Use: "feed", Short: "Apply reference-data change feeds"}
	var file string
	consume := &cobra.Command{
		Use:   "consume",
		Short: "Apply newline-delimited JSON messages from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var failed atomic.Int64
				a.Feed.OnError = func(ctx context.Context, msg changefeed.Message, err error) {
					failed.Add(1)
					a.Logger.Error("feed message failed", "topic", msg.Topic, "key", msg.Key, "offset", msg.Offset, "error", err)
				}
				msgs, errs := changefeed.FileSource{R: r}.Stream(ctx)
				if err := a.Feed.Run(ctx, msgs); err != nil {
					return err
				}
				if err := <-errs; err != nil {
					return err
				}
				if n := failed.Load(); n > 0 {
					return fmt.Errorf("%d messages failed", n)
				}
				return nil
			})
		},
	}
	consume.Flags().StringVarP(&file, "file", "f", "-", "input file, - for stdin")
	fc.AddCommand(consume)
	fc.AddCommand(&cobra.Command{
		Use:   "topics",
		Short: "List known topics",
		Run: func(cmd *cobra.Command, args []string) {
			for _, t := range changefeed.Topics {
				fmt.Println(t)
			}
		},
	})
	return fc
}

func referenceCmd() *cobra.Command {
	rc := &cobra.Command{Use: "reference", Short: "Resolve reference data"}
	rc.AddCommand(&cobra.Command{
		Use:   "resolve <organization|local-office|case-worker|person> <key>",
		Short: "Resolve an entity locally, falling back to the authority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, key := args[0], args[1]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := resolve(ctx, a, kind, key)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	})
	return rc
}

func resolve(ctx context.Context, a *app.App, kind, key string) (any, error) {
	refs := a.References
	r := a.Engine.Repo
	if kind == "person" {
		if refs != nil {
			return refs.Person(ctx, key)
		}
		return r.GetPersonByIdent(ctx, key)
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", key, err)
	}
	switch kind {
	case "organization":
		if refs != nil {
			return refs.Organization(ctx, id)
		}
		return r.GetOrganization(ctx, id)
	case "local-office":
		if refs != nil {
			return refs.LocalOffice(ctx, id)
		}
		return r.GetLocalOffice(ctx, id)
	case "case-worker":
		if refs != nil {
			return refs.CaseWorker(ctx, id)
		}
		return r.GetCaseWorker(ctx, id)
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func outboxCmd() *cobra.Command {
	oc := &cobra.Command{Use: "outbox", Short: "Inspect and deliver the outbox"}
	oc.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show each sink's cursor against the latest outbox record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				latest, err := a.Engine.Repo.LatestOutboxID(ctx)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Sink", "URL", "Versions", "Cursor", "Latest"})
				for _, sink := range a.Config.Publish.Sinks {
					cursor, err := a.Engine.Repo.SinkCursor(ctx, sink.Name)
					if err != nil {
						cursor = 0
					}
					tw.AppendRow(table.Row{sink.Name, sink.URL, strings.Join(sink.Versions, ","), cursor, latest})
				}
				tw.Render()
				return nil
			})
		},
	})
	oc.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Deliver one batch to every sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Dispatcher.DispatchOnce(ctx)
				fmt.Printf("delivered %d records\n", n)
				return err
			})
		},
	})
	return oc
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func withParticipant(ctx context.Context, raw string, fn func(context.Context, engine.Engine, uuid.UUID) error) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid participant id %q: %w", raw, err)
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, id)
	})
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
