// Command locai manages a Locai memory store from the shell: it serves the
// store to remote clients, applies batch files, manages versions and takes
// backups of the sqlite database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/pkg/locai"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the persistent flags shared by every subcommand.
type app struct {
	configPath string
	dataDir    string
	backend    string
	namespace  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "locai",
		Short:         "Memory store for agents and assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "config file (.toml, .yaml or .json); defaults to $"+config.EnvConfigFile)
	f.StringVar(&a.dataDir, "data-dir", "", "data directory (overrides config)")
	f.StringVar(&a.backend, "backend", "", "storage backend: sqlite, postgres, memory or remote")
	f.StringVar(&a.namespace, "namespace", "", "storage namespace")
	f.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn or error")

	root.AddCommand(
		newServeCmd(a),
		newBatchCmd(a),
		newVersionCmd(a),
		newBackupCmd(a),
		newSearchCmd(a),
		newEventsCmd(a),
		newConfigCmd(a),
	)
	return root
}

// config loads the configuration and applies flag overrides.
func (a *app) config() (*locai.Config, error) {
	cfg, err := locai.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}
	if a.backend != "" {
		cfg.Storage.Backend = a.backend
	}
	if a.namespace != "" {
		cfg.Storage.Namespace = a.namespace
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	// Command output goes to stdout; keep logs off it.
	if cfg.Logging.Stdout {
		cfg.Logging.Stdout, cfg.Logging.Stderr = false, true
	}
	return cfg, cfg.Validate()
}

// open builds a manager from the loaded configuration.
func (a *app) open(ctx context.Context) (*locai.Manager, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return locai.FromConfig(cfg).Build(ctx)
}
