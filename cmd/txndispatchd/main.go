// Command txndispatchd hosts a dispatch.Engine as a long-lived process
// with an admin HTTP surface for registering backends and inspecting the
// routing registry. Schedulers embed the dispatch core as a Go library and
// call Engine.Execute directly; this binary does not itself accept tasks
// over the network. --demo exists to exercise the engine end to end
// without a real scheduler attached.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/hrygo/txndispatch/admin"
	"github.com/hrygo/txndispatch/audit"
	"github.com/hrygo/txndispatch/backends/local"
	"github.com/hrygo/txndispatch/backends/remote"
	"github.com/hrygo/txndispatch/dispatch"
	"github.com/hrygo/txndispatch/internal/config"
	"github.com/hrygo/txndispatch/internal/version"
	"github.com/hrygo/txndispatch/notify/telegram"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "txndispatchd",
	Short: "Runs the transaction dispatch engine's admin surface for registration and inspection.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dispatch engine and its admin HTTP surface.",
	RunE:  runEngine,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.StringFull())
	},
}

var genSecretCmd = &cobra.Command{
	Use:   "gen-secret [plaintext]",
	Short: "Bcrypt-hash a plaintext admin secret for --admin-auth-secret-hash.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := admin.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	v.SetEnvPrefix("txndispatch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(config.EnvReplacer())

	if err := config.BindFlags(runCmd.Flags(), v); err != nil {
		panic(err)
	}
	runCmd.Flags().Bool("demo", false, "register a local demo backend and submit a handful of sample tasks at startup")

	rootCmd.AddCommand(runCmd, versionCmd, genSecretCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := slog.Default()

	collector := admin.NewCollector()
	engineOpts := []dispatch.EngineOption{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(collector),
	}
	if cfg.MaxLiveAdapters > 0 {
		engineOpts = append(engineOpts, dispatch.WithMaxLiveAdapters(cfg.MaxLiveAdapters))
	}
	if cfg.RegistrationRateLimit > 0 {
		engineOpts = append(engineOpts, dispatch.WithRegistrationRateLimit(rate.Limit(cfg.RegistrationRateLimit), cfg.RegistrationBurst))
	}

	initial := make([]dispatch.RegisteredBackend, 0, len(cfg.Backends))
	for _, rb := range cfg.Backends {
		key := dispatch.RoutingKey{Family: rb.Family, Version: rb.Version}
		initial = append(initial, dispatch.RegisteredBackend{
			Key: key,
			Backend: remote.New(key, rb.BaseURL, clientcredentials.Config{
				ClientID:     rb.ClientID,
				ClientSecret: rb.ClientSecret,
				TokenURL:     rb.TokenURL,
				Scopes:       rb.Scopes,
			}, logger),
		})
	}

	engine := dispatch.New(initial, engineOpts...)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	adminServer, err := admin.NewServer(engine, collector, admin.Config{
		AuthSecretHash:   cfg.AdminAuthSecretHash,
		SessionTTL:       time.Hour,
		IncidentCapacity: 200,
	})
	if err != nil {
		return fmt.Errorf("failed to build admin server: %w", err)
	}

	notifier, closeNotifier, err := buildNotifier(cfg, adminServer, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	if demo, _ := cmd.Flags().GetBool("demo"); demo {
		runDemo(engine, notifier, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, terminationSignals...)

	go func() {
		logger.Info("txndispatchd: admin surface listening", "addr", cfg.AdminAddr)
		if err := adminServer.Start(cfg.AdminAddr); err != nil {
			logger.Warn("txndispatchd: admin server stopped", "error", err)
		}
	}()

	go func() {
		<-sig
		logger.Info("txndispatchd: shutdown signal received")
		_ = adminServer.Shutdown()
		engine.Stop()
		cancel()
	}()

	<-ctx.Done()
	return nil
}

// buildNotifier composes the notifier chain a demo/embedding caller would
// pass to Execute: incident tracking, then audit persistence, then
// Telegram alerting, in that order so every layer still observes every
// notification regardless of whether a later layer is configured.
func buildNotifier(cfg config.Config, adminServer *admin.Server, logger *slog.Logger) (dispatch.Notifier, func(), error) {
	var base dispatch.Notifier
	closeFns := []func(){}

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		tg, err := telegram.New(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to configure telegram notifier: %w", err)
		}
		base = tg
	}

	switch cfg.AuditDriver {
	case "sqlite":
		store, err := audit.NewSQLiteStore(cfg.AuditDSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to open sqlite audit store: %w", err)
		}
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, func() {}, fmt.Errorf("failed to migrate sqlite audit store: %w", err)
		}
		base = audit.Wrap(base, store, audit.WithErrorLogger(logger))
		closeFns = append(closeFns, func() { _ = store.Close() })
	case "postgres":
		store, err := audit.NewPostgresStore(cfg.AuditDSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to open postgres audit store: %w", err)
		}
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, func() {}, fmt.Errorf("failed to migrate postgres audit store: %w", err)
		}
		base = audit.Wrap(base, store, audit.WithErrorLogger(logger))
		closeFns = append(closeFns, func() { _ = store.Close() })
	case "":
		// audit disabled
	default:
		return nil, func() {}, fmt.Errorf("unknown audit driver %q", cfg.AuditDriver)
	}

	notifier := adminServer.TrackingNotifier(base)
	return notifier, func() {
		for _, fn := range closeFns {
			fn()
		}
	}, nil
}

// runDemo registers a local echo backend for (demo, v1.0) and submits five
// sample tasks through it, so a freshly started process has something
// visible in /report and /metrics without a real scheduler attached.
func runDemo(engine *dispatch.Engine, notifier dispatch.Notifier, logger *slog.Logger) {
	key := dispatch.RoutingKey{Family: "demo", Version: "v1.0"}
	backend := local.New(key, func(task dispatch.Task) dispatch.CompletionNotification {
		return dispatch.CompletionNotification{ContextID: task.ContextID, Outcome: dispatch.Valid}
	}, logger)

	handle := engine.RegistrationHandle()
	if err := handle.Register(key, backend); err != nil {
		logger.Warn("txndispatchd: demo registration failed", "error", err)
		return
	}

	const demoTaskCount = 5
	submitted := 0
	stream := dispatch.TaskStreamFunc(func() (dispatch.Task, bool) {
		if submitted >= demoTaskCount {
			return dispatch.Task{}, false
		}
		submitted++
		return dispatch.Task{
			Transaction: dispatch.TransactionPair{
				Header: dispatch.TransactionHeader{
					FamilyName:    key.Family,
					FamilyVersion: key.Version,
					Signature:     fmt.Sprintf("demo-%d", submitted),
				},
			},
			ContextID: uuid.New(),
		}, true
	})

	if err := engine.Execute(context.Background(), stream, notifier); err != nil {
		logger.Warn("txndispatchd: demo execute failed", "error", err)
	}
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
