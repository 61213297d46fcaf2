package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/internal/drift"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

func newDriftCmd(a *app) *cobra.Command {
	var (
		regionArgs    []string
		trajectoryKey string
		outPath       string
		keepFiducials bool
		save          bool
		useRegionIDs  []int
	)

	cmd := &cobra.Command{
		Use:   "drift <key>",
		Short: "Drift-correct a stored localization table using fiducials",
		Long: "Fit a smoothing spline to the fiducials inside each --region, average the\n" +
			"splines into one drift trajectory and subtract it from the localizations.\n" +
			"With --trajectory the stored AverageFiducial under that key is applied instead.\n" +
			"The corrected table is written as CSV with the applied shift in dx and dy.",
		Example: "  smlmstore drift Cos7/Cos7_1/Localizations --region 900,1100,900,1100 --region 4900,5100,2900,3100\n" +
			"  smlmstore drift Cos7/Cos7_2/Localizations --trajectory Cos7/Cos7_1/AverageFiducial",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			regions, err := parseRegions(regionArgs)
			if err != nil {
				return err
			}
			if save && trajectoryKey != "" {
				return errors.New("--save cannot be combined with --trajectory")
			}

			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			defer backend.Detach()

			id, locs, err := loadTable(backend, args[0])
			if err != nil {
				return err
			}

			computer := a.driftComputer()
			if len(useRegionIDs) > 0 {
				computer.UseTrajectories = useRegionIDs
			}
			corrector := drift.NewFiducialDriftCorrect(regions...)
			corrector.Computer = computer
			corrector.RemoveFiducials = !keepFiducials
			corrector.Logger = a.logger

			var corrected *types.Table
			if trajectoryKey != "" {
				_, stored, err := loadTable(backend, trajectoryKey)
				if err != nil {
					return err
				}
				traj, err := drift.TrajectoryFromTable(stored)
				if err != nil {
					return fmt.Errorf("read trajectory %s: %w", trajectoryKey, err)
				}
				corrector.SetTrajectory(traj)
				corrected, err = corrector.CorrectLocalizations(locs)
				if err != nil {
					return fmt.Errorf("drift correct %s: %w", args[0], err)
				}
			} else {
				corrected, err = corrector.Process(locs)
				if err != nil {
					return fmt.Errorf("drift correct %s: %w", args[0], err)
				}
			}
			a.logger.Debug("drift correction finished", "key", args[0], "state", corrector.State().String(), "rows", corrected.Len())

			if save && corrector.Trajectory() != nil {
				if err := saveDrift(cmd, backend, id, corrector); err != nil {
					return err
				}
			}
			return writeTable(cmd.OutOrStdout(), outPath, corrected, types.DefaultFormat())
		},
	}

	cmd.Flags().StringArrayVar(&regionArgs, "region", nil, "fiducial region as xmin,xmax,ymin,ymax (repeatable)")
	cmd.Flags().IntSliceVar(&useRegionIDs, "use-regions", nil, "average only these region ids (0-based order of --region)")
	cmd.Flags().StringVar(&trajectoryKey, "trajectory", "", "apply the AverageFiducial table stored under this key")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the corrected table to this CSV file instead of stdout")
	cmd.Flags().BoolVar(&keepFiducials, "keep-fiducials", false, "keep the localizations inside the regions")
	cmd.Flags().BoolVar(&save, "save", false, "store the trajectory and the fiducial tracks next to the localizations")
	return cmd
}

// saveDrift stores the averaged trajectory and the fiducial localizations
// under the identifier of the corrected table.
func saveDrift(cmd *cobra.Command, backend types.Datastore, src types.Identifier, c *drift.FiducialDriftCorrect) error {
	avg := src
	avg.DatasetType = types.TypeAverageFiducial
	avg.AttributeOf = ""
	tracks := avg
	tracks.DatasetType = types.TypeFiducialTracks

	return backend.Update(cmd.Context(), func(ds types.Datastore) error {
		if err := ds.Put(types.Dataset{ID: avg, Data: c.Trajectory().Table()}); err != nil {
			return fmt.Errorf("save trajectory: %w", err)
		}
		if fid := c.Fiducials(); fid != nil {
			if err := ds.Put(types.Dataset{ID: tracks, Data: fid}); err != nil {
				return fmt.Errorf("save fiducial tracks: %w", err)
			}
		}
		return nil
	})
}

// parseRegions reads xmin,xmax,ymin,ymax rectangles.
func parseRegions(args []string) ([]drift.Region, error) {
	regions := make([]drift.Region, 0, len(args))
	for _, arg := range args {
		parts := strings.Split(arg, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid region %q (expected xmin,xmax,ymin,ymax)", arg)
		}
		var v [4]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid region %q: %w", arg, err)
			}
			v[i] = f
		}
		if v[0] >= v[1] || v[2] >= v[3] {
			return nil, fmt.Errorf("invalid region %q: minimum must be below maximum", arg)
		}
		regions = append(regions, drift.Region{XMin: v[0], XMax: v[1], YMin: v[2], YMax: v[3]})
	}
	return regions, nil
}
