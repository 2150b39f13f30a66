package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stereolab/internal/core"
	imgio "stereolab/internal/io"
	"stereolab/internal/metrics"
	"stereolab/internal/source"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var flags pipelineFlags
	var out string
	var once bool

	cmd := &cobra.Command{
		Use:   "watch [flags] [left right]",
		Short: "Recompute disparity whenever an image pair changes on disk",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			left, right := cfg.Source.Left, cfg.Source.Right
			if len(args) == 2 {
				left, right = args[0], args[1]
			}
			if left == "" || right == "" {
				return fmt.Errorf("watch needs a left and right image, as arguments or in [source]")
			}
			if flags.calibration == "" {
				flags.calibration = defaultCalibration(cfg)
			}

			pair := source.NewFilePair(source.WithLogger(logger), source.WithDebounce(cfg.Debounce()))
			defer pair.Close()
			rig, err := newStereoRig(cfg, logger, pair, flags, true)
			if err != nil {
				return err
			}
			defer rig.Close()

			loader := imgio.NewImageLoader(logger)
			rig.pipeline.StageChanged(core.StageDisparity).Connect(func() {
				d, seq, ok := rig.pipeline.Disparity()
				defer d.Close()
				if !ok {
					return
				}
				st := metrics.DisparityStats(d)
				stats := rig.pipeline.Stats()
				logger.WithFields(logrus.Fields{
					"sequence":    seq,
					"valid_ratio": st.ValidRatio,
					"median":      st.Median,
					"elapsed_ms":  rig.pipeline.ElapsedMillis(core.StageDisparity),
					"dropped":     stats.Dropped,
					"failures":    stats.Failures,
				}).Info("Disparity updated")
				if out == "" || d.Map.Empty() {
					return
				}
				vis, err := visualizeDisparity(d)
				if err != nil {
					logger.WithError(err).Warn("Saving disparity failed")
					return
				}
				defer vis.Close()
				if err := loader.SaveImage(vis, out); err != nil {
					logger.WithError(err).Warn("Saving disparity failed")
				}
			})

			watch := cfg.Source.Watch
			if cmd.Flags().Changed("once") {
				watch = !once
			}

			if err := pair.Load(left, right); err != nil {
				return err
			}
			if watch {
				if err := pair.Watch(cmd.Context()); err != nil {
					return err
				}
			}
			rig.pipeline.Wait()
			fmt.Fprintln(cmd.OutOrStdout(), timingTable(rig.pipeline))
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.calibration, "calibration", "", "Calibration file (default from config)")
	cmd.Flags().StringVar(&flags.method, "method", "", "Stereo method (default from config)")
	cmd.Flags().StringVar(&flags.params, "params", "", "Method parameter file")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the latest disparity image here")
	cmd.Flags().BoolVar(&once, "once", false, "Compute the current pair and exit instead of watching")
	return cmd
}
