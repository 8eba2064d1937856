package main

import (
	"fmt"
	"time"

	"github.com/ashureev/textbook-companion/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development channel token",
		Long:  "token signs an HS256 token with the given secret. Use it only against development servers that share the secret.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := bindConfig(cmd)
			if err != nil {
				return err
			}
			secret := v.GetString("secret")
			if secret == "" {
				return fmt.Errorf("--secret or %s_SECRET is required", envPrefix)
			}
			tok, err := auth.IssueToken([]byte(secret), v.GetString("subject"), v.GetString("role"), v.GetDuration("ttl"))
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().String("secret", "", "signing secret (env COMPANION_SECRET)")
	cmd.Flags().String("subject", "dev-user", "token subject")
	cmd.Flags().String("role", "student", "token role claim")
	cmd.Flags().Duration("ttl", time.Hour, "token validity")
	return cmd
}
