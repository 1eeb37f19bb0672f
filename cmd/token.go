package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/tramite-payments/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Development token helpers",
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue <user-id>",
	Short: "Mint a bearer token signed with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Security.TokenTTL
		}
		token, expiresAt, err := auth.NewTokenManager(cfg.Security.JWTSecret, ttl).Issue(args[0], tokenRoles)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"token":     token,
			"expiresAt": expiresAt.UTC().Format(time.RFC3339),
		})
	},
}

var (
	tokenRoles []string
	tokenTTL   time.Duration
)

func init() {
	issueTokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", nil, "roles to put in the token")
	issueTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (overrides config)")

	tokenCmd.AddCommand(issueTokenCmd)
	rootCmd.AddCommand(tokenCmd)
}
