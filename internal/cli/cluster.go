package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/internal/processors"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

func newClusterCmd(a *app) *cobra.Command {
	var (
		eps        float64
		minSamples int
		outPath    string
		labelsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "cluster <key>",
		Short: "Cluster a stored localization table and report per-cluster statistics",
		Long: "Label the localizations stored under key with DBSCAN and print one row of\n" +
			"statistics per cluster. Noise rows are left out of the statistics.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			defer backend.Detach()

			_, tbl, err := loadTable(backend, args[0])
			if err != nil {
				return err
			}

			c := processors.NewCluster()
			c.Eps = a.config.GetFloat64(cfgKeyClusterEps)
			c.MinSamples = a.config.GetInt(cfgKeyClusterMinSamples)
			if cmd.Flags().Changed("eps") {
				c.Eps = eps
			}
			if cmd.Flags().Changed("min-samples") {
				c.MinSamples = minSamples
			}

			labelled, err := c.Process(tbl)
			if err != nil {
				return fmt.Errorf("cluster %s: %w", args[0], err)
			}
			a.logger.Debug("clustered localizations", "key", args[0], "rows", labelled.Len(), "eps", c.Eps, "min_samples", c.MinSamples)
			if labelsOnly {
				return writeTable(cmd.OutOrStdout(), outPath, labelled, types.DefaultFormat())
			}

			stats, err := processors.ComputeClusterStats(labelled, c.LabelColumn, c.CoordColumns, nil)
			if err != nil {
				return fmt.Errorf("cluster stats %s: %w", args[0], err)
			}
			return writeTable(cmd.OutOrStdout(), outPath, stats, nil)
		},
	}

	cmd.Flags().Float64Var(&eps, "eps", processors.DefaultEps, "neighbourhood radius (default from config)")
	cmd.Flags().IntVar(&minSamples, "min-samples", processors.DefaultMinSamples, "points within eps for a core point (default from config)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the result to this CSV file instead of stdout")
	cmd.Flags().BoolVar(&labelsOnly, "labels", false, "write the labelled localizations instead of cluster statistics")
	return cmd
}
