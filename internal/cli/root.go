package cli

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fno-scanner/internal/config"
	"fno-scanner/internal/logging"
	"fno-scanner/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-01-01"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	ConfigDir string

	now func() time.Time
}

// Now returns the wall clock in IST.
func (a *App) Now() time.Time {
	if a.now != nil {
		return a.now().In(utils.IndiaLocation)
	}
	return time.Now().In(utils.IndiaLocation)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "fno-scanner",
		Short: "F&O option chain scanner for NSE indices and stocks",
		Long: `fno-scanner polls option chains for a watchlist of NSE derivatives,
prices every contract, tracks open interest flows, recognises multi-leg
structures and emits one explainable verdict per instrument and cycle.

Verdicts are journaled to SQLite (and optionally Postgres), streamed over
websocket and alerted on the terminal.

Use 'fno-scanner scan' to run the scanner and 'fno-scanner once NIFTY' for a
single cycle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.Config != nil {
				return nil
			}

			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.ConfigDir = dir
			app.Logger = logging.NewLoggerWithConfig(cfg.Log)

			for _, path := range cfg.Created {
				app.Logger.Info().Str("path", path).Msg("Wrote configuration template")
			}

			// Handle debug flag
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/fno-scanner)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newScanCmd(app))
	rootCmd.AddCommand(newOnceCmd(app))
	rootCmd.AddCommand(newGreeksCmd(app))
	rootCmd.AddCommand(newIVCmd(app))
	rootCmd.AddCommand(newScheduleCmd(app))
	rootCmd.AddCommand(newWatchlistCmd(app))
	rootCmd.AddCommand(newVerdictsCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// No configuration needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("fno-scanner v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the scanner configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config.Masked())
			}
			showConfig(output, app.Config.Masked())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Feed")
	output.Printf("  Source:          %s\n", cfg.Feed.Source)
	output.Printf("  Timeout:         %s\n", cfg.Feed.Timeout)
	output.Printf("  Kite key set:    %v\n", cfg.Credentials.Kite.APIKey != "")
	output.Println()

	output.Bold("Pipeline")
	output.Printf("  Workers:         %d\n", cfg.Pipeline.Workers)
	output.Printf("  Tick:            %s\n", cfg.Pipeline.TickInterval)
	output.Printf("  Cycle timeout:   %s\n", cfg.Pipeline.CycleTimeout)
	output.Printf("  Chain TTL:       %s\n", cfg.Fetch.ChainTTL)
	output.Println()

	output.Bold("Verdict")
	output.Printf("  Trap threshold:  %d\n", cfg.Verdict.TrapThreshold)
	output.Printf("  Alert default:   %.0f%%\n", cfg.Notify.DefaultThreshold)
	output.Printf("  Alert cooldown:  %s\n", cfg.Notify.Cooldown)
	output.Println()

	output.Bold("Storage")
	output.Printf("  SQLite:          %s\n", cfg.Storage.SQLitePath)
	if cfg.Storage.Postgres.DSN != "" {
		output.Printf("  Postgres:        %s\n", cfg.Storage.Postgres.DSN)
	}
	if cfg.Stream.Enabled {
		output.Printf("  Stream:          ws://%s/ws\n", cfg.Stream.Server.Addr)
	}
	output.Println()

	output.Bold("Watchlist")
	for _, w := range cfg.Watchlist {
		output.Printf("  %-12s %-9s lot %-5d alert %.0f%%\n", w.Symbol, w.Tier, w.LotSize, w.AlertThreshold)
	}
}
