package cli

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stanstork/bqrunner/internal/config"
	"github.com/stanstork/bqrunner/internal/handlers"
	"github.com/stanstork/bqrunner/internal/models"
)

func newTokenCmd(g *globalFlags) *cobra.Command {
	var (
		subject string
		roles   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API signed with jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, ok := models.ParseRoles(roles)
			if !ok {
				return errors.Errorf("invalid roles %q, want viewer and/or operator", roles)
			}
			if subject == "" {
				return errors.New("--subject is required")
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			token, err := handlers.NewAuthHandler(cfg.JWTSecret, zerolog.Nop()).IssueToken(subject, parsed, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, e.g. the calling system")
	cmd.Flags().StringVar(&roles, "roles", string(models.RoleViewer), "Comma separated roles (viewer, operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
