package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/stanstork/bqrunner/internal/app"
	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/pipeline"
)

type rangeFlags struct {
	start string
	end   string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.start, "startdt", "s", "", "Start date YYYY-MM-DD (default yesterday)")
	cmd.Flags().StringVarP(&f.end, "enddt", "e", "", "End date YYYY-MM-DD (default today)")
}

func (f *rangeFlags) parse(now time.Time) (daterange.Range, error) {
	start, end := daterange.Default(now)
	if f.start != "" {
		start = f.start
	}
	if f.end != "" {
		end = f.end
	}
	r, err := daterange.Parse(start, end)
	if err != nil {
		return r, err
	}
	if r.Empty() {
		return r, errors.Errorf("start date %s is after end date %s", start, end)
	}
	return r, nil
}

type runFlags struct {
	rangeFlags
	drop     bool
	load     bool
	truncate bool
	dedupe   bool
}

func (f *runFlags) validate() error {
	return checkLoadFlags(f.load, f.truncate, f.dedupe)
}

func checkLoadFlags(load, truncate, dedupe bool) error {
	if (truncate || dedupe) && !load {
		return errors.New("-t and -d only apply together with -v")
	}
	return nil
}

func (f *runFlags) options(r daterange.Range) pipeline.Options {
	return pipeline.Options{
		Range:      r,
		DropBefore: f.drop,
		Load:       f.load,
		Truncate:   f.truncate,
		Dedupe:     f.dedupe,
		Trigger:    "cli",
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the union query, export and optional Vertica load",
		Example: `  # Yesterday through today
  bqrunner run -c config.yaml

  # A fixed range, dropping the destination first and loading into Vertica
  bqrunner run -c config.yaml -s 2023-01-01 -e 2023-01-31 -x -v -t`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			r, err := f.parse(time.Now())
			if err != nil {
				return err
			}
			cfg, logger, err := g.setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Pipeline.Execute(ctx, f.options(r))
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&f.drop, "drop", "x", false, "Drop the destination table before running")
	cmd.Flags().BoolVarP(&f.load, "vertica", "v", false, "Download the export and load it into Vertica")
	cmd.Flags().BoolVarP(&f.truncate, "truncate", "t", false, "Truncate the Vertica table before loading")
	cmd.Flags().BoolVarP(&f.dedupe, "dedupe", "d", false, "Dedupe the Vertica table after loading")
	return cmd
}

func printOutcome(w io.Writer, out *pipeline.Outcome) {
	res := out.Result
	fmt.Fprintf(w, "Run: %s\n", out.Run.ID)
	fmt.Fprintf(w, "Range: %s\n", res.Range)
	fmt.Fprintf(w, "Destination table: %s (%s)\n", res.Destination, res.TableStatus)
	fmt.Fprintf(w, "Tables matched: %d\n", res.TablesMatched)
	if res.QueryJob != nil {
		fmt.Fprintf(w, "Query job: %s\n", res.QueryJob.ID)
	}
	if res.Exported() {
		fmt.Fprintf(w, "Export job: %s -> %s\n", res.ExportJob.ID, strings.Join(res.URIs, ", "))
	}
	if out.Load != nil {
		fmt.Fprintf(w, "Loaded: %d bytes, %d rows rejected, deduped=%t\n", out.Downloaded, out.Load.Rejected, out.Load.Deduped)
	}
}
