package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/star/ephemgo/internal/cache"
	"github.com/star/ephemgo/internal/plot"
)

func newPlotCmd(a *app) *cobra.Command {
	var (
		qf   queryFlags
		spec plot.Spec
		out  string
	)
	cmd := &cobra.Command{
		Use:   "plot TARGET...",
		Short: "Plot one column of the ephemerides of one or more targets",
		Long: `Plot a numeric column against date (or another column) with one series
per target. The image format follows the extension of --out: png, svg, pdf
or jpg.`,
		Example: `  ephemgo plot Ceres Vesta --y vmag --epoch 2024-01-01 -n 60 -s 1d
  ephemgo plot Eros --y delta_km --out eros.svg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec.Y == "" {
				return errors.New("--y is required")
			}
			if out == "" {
				out = cache.Key(args[0]) + "_" + spec.Y + ".png"
			}
			if !cmd.Flags().Changed("invert-y") && spec.Y == "vmag" {
				spec.InvertY = true
			}

			tables, err := fetchAll(cmd, a, args, &qf)
			if err != nil {
				return err
			}
			if err := plot.Save(out, tables, spec); err != nil {
				return err
			}
			a.logger.Info("plot written", "path", out, "series", len(tables))
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	qf.register(cmd)
	fs := cmd.Flags()
	fs.StringVarP(&spec.Y, "y", "y", "", "column on the vertical axis")
	fs.StringVarP(&spec.X, "x", "x", "date", "column on the horizontal axis")
	fs.StringVar(&spec.Title, "title", "", "plot title")
	fs.Float64Var(&spec.Width, "width", 8, "width in inches")
	fs.Float64Var(&spec.Height, "height", 5, "height in inches")
	fs.BoolVar(&spec.InvertY, "invert-y", false, "invert the vertical axis (default on for vmag)")
	fs.StringVar(&out, "out", "", "output file (default <target>_<y>.png)")
	return cmd
}
