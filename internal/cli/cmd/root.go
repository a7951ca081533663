// Package cmd is the unimanager admin CLI. Most commands open the same
// database the daemon uses; jobs trigger, audit and events talk to the
// daemon over HTTP.
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"unimanager/internal/app"
	"unimanager/internal/config"
	"unimanager/internal/logging"
	"unimanager/pkg/sdk"
)

var (
	Client    *sdk.Client
	BaseURL   string
	Token     string
	ConfigDir string
	Actor     string

	cfg    config.Config
	engine *app.Container
)

var RootCmd = &cobra.Command{
	Use:           "unimanager-cli",
	Short:         "Admin CLI for the unimanager billing and VM engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if ConfigDir == "" {
			dir, err := config.DefaultDir()
			if err != nil {
				return err
			}
			ConfigDir = dir
		}
		loaded, err := config.LoadConfig(ConfigDir)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		cfg = loaded

		if BaseURL == "" {
			BaseURL = "http://" + cfg.ListenAddr
		}
		if Token == "" {
			Token = cfg.APIToken
		}
		Client = sdk.NewClient(BaseURL, Token)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeEngine()
	},
}

// Engine opens the local database and wires the engine on first use.
func Engine() *app.Container {
	if engine != nil {
		return engine
	}
	level := cfg.LogLevel
	if level == "" || level == "info" {
		// Keep command output readable; warnings and errors still show.
		level = "warn"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	c, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		log.Fatalf("Error opening engine: %v", err)
	}
	engine = c
	return engine
}

func closeEngine() {
	if engine == nil {
		return
	}
	if err := engine.Close(); err != nil {
		engine.Logger.Warn("closing engine", zap.Error(err))
	}
	_ = engine.Logger.Sync()
	engine = nil
}

// fatalf flushes pending audit events before exiting.
func fatalf(format string, args ...interface{}) {
	closeEngine()
	log.Fatalf(format, args...)
}

func Execute() {
	RootCmd.PersistentFlags().StringVar(&ConfigDir, "config-dir", os.Getenv("UNIMANAGER_HOME"), "Configuration directory")
	RootCmd.PersistentFlags().StringVar(&BaseURL, "url", "", "URL of the unimanager daemon (defaults to the configured listen address)")
	RootCmd.PersistentFlags().StringVar(&Token, "token", "", "API token for the daemon (defaults to the configured token)")
	RootCmd.PersistentFlags().StringVar(&Actor, "actor", "", "ID of the admin performing the operation")

	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
