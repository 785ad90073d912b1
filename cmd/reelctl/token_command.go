package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelforge/api/internal/auth"
	"github.com/reelforge/api/internal/model"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			verifier, err := auth.NewVerifier(cfg.JWT.Secret)
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = time.Duration(cfg.JWT.Expiration) * time.Hour
			}

			token, err := verifier.Issue(userID, email, ttl)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, model.TokenResponse{Token: token, ExpiresIn: int(ttl.Seconds())})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Subject user id")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to jwt.expiration hours)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
