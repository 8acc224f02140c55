package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"castmon/internal/config"
	"castmon/internal/detect"
	"castmon/internal/gate"
	"castmon/internal/logging"
	"castmon/internal/monitor"
	"castmon/internal/recorder"
	"castmon/internal/session"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "castmon",
	Short: "castmon - TwitCasting live-stream monitor and recorder",
	Long: `castmon watches a list of TwitCasting broadcasters, detects when they
go live (including member-only streams, using a logged-in browser session),
and records the streams with yt-dlp.

The usual flow is:

  castmon login       # one-time interactive login to capture credentials
  castmon run         # start the monitoring loop`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environment always wins.
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app bundles the wired components behind the subcommands.
type app struct {
	cfg      *config.Config
	events   *logging.EventLog
	sessions *session.Manager
	detector *detect.Detector
	gate     *gate.Gate
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	events := logging.NewEventLog(cfg.LogDir, "castmon")
	sessions := session.NewManager(cfg.AuthDir, cfg.CookieDomain, logger, events)
	if !cfg.Headless {
		sessions.ForceVisible()
	}
	detector := detect.NewDetector(sessions, logger)

	newFacade := func() (gate.Facade, error) {
		engine := recorder.NewYtdlpEngine(cfg.YtdlpPath, logger)
		return recorder.New(sessions, engine, cfg.RecordingsDir, cfg.AuthDir,
			cfg.DefaultDuration.Std(), logger, events), nil
	}
	g := gate.New(cfg.MaxConcurrent, newFacade, sessions, logger, events)

	return &app{
		cfg:      cfg,
		events:   events,
		sessions: sessions,
		detector: detector,
		gate:     g,
	}, nil
}

func (a *app) close() {
	_ = a.sessions.Close()
	_ = a.events.Close()
}

// runCmd starts the monitoring loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Monitor targets and record streams as they go live",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		targets := a.cfg.Targets
		if len(targets) == 0 && a.cfg.TargetsFile != "" {
			targets = config.LoadTargets(a.cfg.TargetsFile)
		}
		if len(targets) == 0 {
			return fmt.Errorf("no targets: set targets in the config file, %s, or CASTMON_TARGETS", a.cfg.TargetsFile)
		}

		engine := monitor.New(monitor.Config{
			PollInterval:     a.cfg.PollInterval.Std(),
			ProbeTimeout:     a.cfg.ProbeTimeout.Std(),
			SettleDelay:      a.cfg.SettleDelay.Std(),
			MaxConcurrent:    a.cfg.MaxConcurrent,
			WatchdogInterval: a.cfg.WatchdogInterval.Std(),
			MaxIdleTime:      a.cfg.MaxIdleTime.Std(),
			HeartbeatPath:    a.cfg.HeartbeatPath,
			TargetsFile:      a.cfg.TargetsFile,
		}, a.detector, a.gate, a.gate, logger, a.events)
		engine.SetTargets(targets)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := engine.Start(ctx); err != nil {
			return err
		}
		logger.Info("monitoring started",
			zap.Int("targets", len(engine.Targets())),
			zap.Duration("poll_interval", a.cfg.PollInterval.Std()),
			zap.Int("max_concurrent", a.cfg.MaxConcurrent))

		<-ctx.Done()
		logger.Info("shutdown signal received")

		engine.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.gate.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		return nil
	},
}

// loginCmd runs the interactive login wizard
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open a browser window and capture login credentials",
	Long: `Opens a visible browser window on the TwitCasting login page and waits
for you to sign in. Once strong credentials appear, they are migrated to a
headless browser context and persisted for later runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Println("Opening login page; sign in within the browser window...")
		if err := a.sessions.RunLoginWizard(ctx, a.cfg.WizardTimeout.Std()); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Println("Login complete; credentials are ready for headless use.")
		return nil
	},
}

// recordCmd records a single target immediately
var recordCmd = &cobra.Command{
	Use:   "record <target>",
	Short: "Record one target now, without the monitoring loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := cmd.Flags().GetDuration("duration")
		if err != nil {
			return err
		}

		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res := a.gate.StartRecord(ctx, gate.Request{
			Target:   args[0],
			Duration: duration,
		})
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		if !res.OK {
			return fmt.Errorf("recording failed: %s", res.Reason)
		}
		return a.gate.Shutdown(ctx)
	},
}

// statusCmd prints session and gate status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login state and gate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		status := a.gate.Status()
		status["login_state"] = a.sessions.CheckStatus().String()

		if hb, err := os.ReadFile(a.cfg.HeartbeatPath); err == nil {
			var parsed map[string]any
			if json.Unmarshal(hb, &parsed) == nil {
				status["heartbeat"] = parsed
			}
		}

		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// exportCookiesCmd writes the stored credentials as a Netscape cookie file
var exportCookiesCmd = &cobra.Command{
	Use:   "export-cookies <path>",
	Short: "Export stored credentials to a Netscape-format cookie file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.sessions.EnsureHeadless(ctx); err != nil {
			return fmt.Errorf("failed to open headless context: %w", err)
		}
		n, err := a.sessions.ExportCookies(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d cookies to %s\n", n, args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "castmon.yaml", "path to config file")

	recordCmd.Flags().Duration("duration", 0, "stop the recording after this long (0 = until stream ends)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCookiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
