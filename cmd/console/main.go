package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wabaconsole/console/internal/config"
	"github.com/wabaconsole/console/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errDenied makes the process exit with status 2 without an error message.
var errDenied = errors.New("entitlement check denied")

var (
	configPath   string
	envFile      string
	overrides    []string
	businessFlag string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:           "console",
	Short:         "WhatsApp business console entitlement service",
	Long:          `Serves the active business's entitlements and upgrade prompts to the console UI`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServeCommand(cmd.Context())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to console.yaml")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with CONSOLE_* variables (empty to disable)")
	flags.StringArrayVar(&overrides, "set", nil, "override a config key, e.g. --set server.listen=:8080")
	flags.StringVar(&businessFlag, "business", "", "business id to act for (overrides session.business_id)")
	flags.StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Console %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errDenied) {
			return 2
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig resolves configuration from file, .env, environment and flags,
// then initializes logging from it.
func loadConfig() (*config.Config, error) {
	// Baseline logger for startup messages
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "console"})

	loader := config.NewLoader()
	if configPath != "" {
		loader.SetConfigPath(configPath)
	}
	loader.SetEnvFile(envFile)
	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		if err := loader.Set(strings.TrimSpace(key), value); err != nil {
			return nil, err
		}
	}
	if businessFlag != "" {
		if err := loader.Set("session.business_id", businessFlag); err != nil {
			return nil, err
		}
	}
	if logLevelFlag != "" {
		if err := loader.Set("logging.level", logLevelFlag); err != nil {
			return nil, err
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "console",
	})
	return cfg, nil
}
