package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/star/ephemgo/internal/client"
	"github.com/star/ephemgo/internal/ephem"
)

// queryFlags are the query options shared by query and plot.
type queryFlags struct {
	epoch    string
	steps    int
	step     string
	observer string
	frame    string
	fields   []string
	provider string
	refresh  bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.epoch, "epoch", "", "first sample, e.g. 2024-01-01T00:00:00, a Julian Date or \"now\" (default now)")
	fs.IntVarP(&f.steps, "steps", "n", 0, "number of samples (default from config)")
	fs.StringVarP(&f.step, "step", "s", "", "interval between samples, e.g. 1d, 6h, 30m (default from config)")
	fs.StringVar(&f.observer, "observer", "", "observatory code, 500 for geocenter or @sun (default from config)")
	fs.StringVar(&f.frame, "frame", "", "coordinate frame: equatorial, ecliptic, cartesian or horizontal")
	fs.StringSliceVar(&f.fields, "fields", nil, "comma separated subset of output columns")
	fs.StringVarP(&f.provider, "service", "S", "", "ephemeris service for this query (default from config)")
	fs.BoolVar(&f.refresh, "refresh", false, "ignore cached entries and query the service")
}

// query builds the query options, filling unset ones from the
// configured defaults.
func (f *queryFlags) query(a *app) ephem.Query {
	q := ephem.Query{
		Epoch:    f.epoch,
		Steps:    f.steps,
		Step:     f.step,
		Observer: f.observer,
		Frame:    ephem.Frame(strings.ToLower(f.frame)),
		Fields:   f.fields,
	}
	return a.cfg.Query.Apply(q)
}

func (f *queryFlags) options() client.Options {
	return client.Options{Provider: strings.ToLower(f.provider), Refresh: f.refresh}
}

// fetchAll runs the query for every target and returns the tables that
// were retrieved. It fails only when no target succeeded.
func fetchAll(cmd *cobra.Command, a *app, targets []string, f *queryFlags) ([]*ephem.Table, error) {
	c, store, err := a.newClient()
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer store.Close()
	}

	results := c.FetchAll(cmd.Context(), targets, f.query(a), f.options())
	var tables []*ephem.Table
	for _, r := range results {
		if r.Err == nil {
			tables = append(tables, r.Table)
		}
	}
	failed := client.Failed(results)
	if failed == len(results) {
		if failed == 1 {
			return nil, results[0].Err
		}
		return nil, fmt.Errorf("all %d targets failed", failed)
	}
	if failed > 0 {
		a.logger.Warn("some targets failed", "failed", failed, "total", len(results))
	}
	return tables, nil
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		qf      queryFlags
		output  string
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "query TARGET...",
		Short: "Retrieve ephemerides for one or more targets",
		Long: `Retrieve an ephemeris table for each target. Targets are names,
numbers or designations, e.g. Ceres, 4, "2004 MN4". Failed targets are
logged and skipped; the command fails only when every target failed.`,
		Example: `  ephemgo query Ceres --epoch 2024-01-01 -n 10 -s 1d
  ephemgo query Vesta Pallas --frame cartesian -o csv
  ephemgo query Eros --fields date,ra,dec,vmag --summary`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validOutput(output); err != nil {
				return err
			}
			tables, err := fetchAll(cmd, a, args, &qf)
			if err != nil {
				return err
			}
			return writeTables(cmd.OutOrStdout(), output, tables, summary)
		},
	}
	qf.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, csv or json")
	cmd.Flags().BoolVar(&summary, "summary", false, "append min/max/mean/stddev of numeric columns")
	return cmd
}

func newResolveCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "resolve NAME...",
		Short: "Resolve names to canonical designations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validOutput(output); err != nil {
				return err
			}
			c, store, err := a.newClient()
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			var targets []ephem.Target
			for _, name := range args {
				t, err := c.Resolve(cmd.Context(), name)
				if err != nil {
					a.logger.Warn("resolve failed", "name", name, "error", err)
					continue
				}
				targets = append(targets, t)
			}
			if len(targets) == 0 {
				return errors.New("no name could be resolved")
			}
			return writeTargets(cmd.OutOrStdout(), output, targets)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, csv or json")
	return cmd
}
