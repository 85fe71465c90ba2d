package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stanstork/bqrunner/internal/app"
	"github.com/stanstork/bqrunner/internal/config"
	"github.com/stanstork/bqrunner/internal/querydef"
	"github.com/stanstork/bqrunner/internal/runner"
)

func newDescribeCmd(g *globalFlags) *cobra.Command {
	f := &rangeFlags{}
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the date range, destination and query template without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := f.parse(time.Now())
			if err != nil {
				return err
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			def, err := querydef.Load(cfg.BigQuery.TemplateFile)
			if err != nil {
				return err
			}
			rn := runner.New(nil, nil, nil, app.Plan(def), zerolog.Nop())
			fmt.Fprint(cmd.OutOrStdout(), rn.Describe(app.Request(cfg, r, false)))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
