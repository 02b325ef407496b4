package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/hidsward/hidsward/internal/config"
	"github.com/hidsward/hidsward/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the alert listener and block engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "hidsward listening for alerts on %s (control: %s)\n", cfg.Listener.SocketPath, cfg.Control.SocketPath)
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (default: ./config.yml, ./config.yaml, or /etc/hidsward/config.yaml)")
	return cmd
}

func defaultConfigPath() string {
	if v := os.Getenv("HIDSWARD_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"config.yml", "config.yaml", "/etc/hidsward/config.yaml", "/etc/hidsward/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadLocalConfig loads path, or the first default location that exists.
// With no file at all the built-in defaults apply; an explicit path that does
// not exist is an error.
func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}
