package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/cspcore"
	"github.com/opd-ai/cspcore/identity"
)

var (
	home       string
	configPath string
	logLevel   string
	cfg        *Config
)

// Execute runs the command line.
func Execute() error {
	root := &cobra.Command{
		Use:           "cspclient",
		Short:         "Chat server protocol client with forward security",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".cspclient")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if configPath == "" {
				configPath = filepath.Join(home, "config.yaml")
			}

			var err error
			if cfg, err = loadConfig(configPath, home); err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") || cmd.Root().PersistentFlags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			level, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
			}
			logrus.SetLevel(level)
			return os.MkdirAll(cfg.DataDir, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.cspclient)")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(keygenCmd(), runCmd(), sendCmd(), resetFSCmd())
	return root.Execute()
}

// openClient loads the identity and creates a client from the config.
func openClient() (*cspcore.Client, error) {
	local, err := identity.LoadLocal(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w (run keygen first)", err)
	}
	opts, err := cfg.clientOptions()
	if err != nil {
		return nil, err
	}
	return cspcore.NewClient(local, opts)
}
