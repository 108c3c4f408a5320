package main

import (
	"github.com/spf13/cobra"

	"github.com/vnykmshr/tokenflow/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.NewManager(cfgFile))
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// loadConfig loads m and applies command-line overrides.
func loadConfig(m config.Manager) (*config.Config, error) {
	if err := m.Load(); err != nil {
		return nil, err
	}
	cfg := *m.GetConfig()
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return &cfg, nil
}
