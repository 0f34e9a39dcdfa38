package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beacon-remote/beacon/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with fresh secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "beacon.json"
			}
			return writeStarterConfig(cmd, output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./beacon.json)")
	return cmd
}

func writeStarterConfig(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	agentSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	jwtSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := map[string]any{
		"server": map[string]any{
			"addr": ":8090",
		},
		"auth": map[string]any{
			"agent_token_secret": agentSecret,
			"jwt_secret":         jwtSecret,
			"clients":            []any{},
		},
		"storage": map[string]any{
			"driver": "sqlite",
			"dsn":    "beacon.db",
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s with generated secrets\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "add API clients with: beacond hash-secret <secret>")
	return nil
}
