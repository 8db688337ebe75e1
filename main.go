package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/runtime"
)

var (
	Version   = "dev"
	BuildTime string
	GitCommit string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskwire",
		Short: "Task and event coordination over NATS JetStream",
		Long: `taskwire coordinates dependent tasks over a NATS JetStream broker.
Submissions arrive on the submit subject, ready tasks are dispatched to
workers, and lifecycle events drive dependency resolution.`,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		moduleList string
		httpPort   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the taskwire process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if natsURL != "" {
				cfg.Broker.URL = natsURL
			}
			if moduleList != "" && moduleList != "all" {
				cfg.Modules = strings.Split(moduleList, ",")
			}
			if httpPort != "" {
				cfg.HTTP.Port = httpPort
			}

			logger := newLogger(logLevel)
			logger.Info("starting taskwire",
				"version", Version, "commit", GitCommit, "built", BuildTime)

			rt, err := runtime.New(cfg, logger)
			if err != nil {
				return err
			}
			return rt.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
	cmd.Flags().StringVar(&moduleList, "modules", "all", "Comma-separated modules to run (coordinator,worker,server) or 'all'")
	cmd.Flags().StringVar(&httpPort, "port", "", "HTTP port for the status server (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskwire %s (built: %s, commit: %s)\n", Version, BuildTime, GitCommit)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
