package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/beacon-remote/beacon/internal/auth"
	"github.com/beacon-remote/beacon/internal/config"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <principal>",
		Short: "Issue an agent credential for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(cmd, nil, "beacon.json")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			tokens := auth.NewService(cfg.Auth.AgentTokenSecret, auth.Options{
				Validity: time.Duration(cfg.Auth.TokenValidityDays) * 24 * time.Hour,
			})
			token, expiresAt := tokens.Issue(args[0])

			fmt.Fprintf(cmd.OutOrStdout(), "token:      %s\n", token)
			fmt.Fprintf(cmd.OutOrStdout(), "expires_at: %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Bcrypt-hash an API client secret for the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashClientSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
