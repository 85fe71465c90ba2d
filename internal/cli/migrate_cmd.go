package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/stanstork/bqrunner/internal/migration"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the run history migrations to database_url",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.setup(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url is not configured")
			}
			return migration.RunMigrations(cfg.DatabaseURL, logger)
		},
	}
}
