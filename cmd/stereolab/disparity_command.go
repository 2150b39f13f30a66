package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	imgio "stereolab/internal/io"
	"stereolab/internal/metrics"
	"stereolab/internal/source"
)

func newDisparityCommand(ctx *commandContext) *cobra.Command {
	var flags pipelineFlags
	var outDir string

	cmd := &cobra.Command{
		Use:   "disparity [flags] left0 right0 [left1 right1 ...]",
		Short: "Compute disparity maps for image pairs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if flags.calibration == "" {
				flags.calibration = defaultCalibration(cfg)
			}
			pairs, err := source.Pairs(args)
			if err != nil {
				return err
			}

			seq := source.NewSequence(pairs, source.WithLogger(logger))
			defer seq.Close()
			rig, err := newStereoRig(cfg, logger, seq, flags, cfg.Pipeline.Threaded)
			if err != nil {
				return err
			}
			defer rig.Close()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			loader := imgio.NewImageLoader(logger)
			evaluator := metrics.NewEvaluator()
			w := cmd.OutOrStdout()

			for i := 0; ; i++ {
				more, err := seq.Next()
				if !more {
					break
				}
				if err != nil {
					logger.WithError(err).Warn("Skipping image pair")
					continue
				}
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				// One pair at a time, so a threaded pipeline never drops here.
				rig.pipeline.Wait()

				d, _, ok := rig.pipeline.Disparity()
				if !ok || d.Map.Empty() {
					d.Close()
					logger.WithField("pair", i).Warn("No disparity produced")
					continue
				}
				vis, err := visualizeDisparity(d)
				if err != nil {
					d.Close()
					return err
				}
				path := filepath.Join(outDir, fmt.Sprintf("disparity_%03d.png", i))
				saveErr := loader.SaveImage(vis, path)
				vis.Close()
				if saveErr != nil {
					d.Close()
					return saveErr
				}

				left, right := rig.pipeline.RectifiedPair()
				scores := evaluator.CalculateAll(left, right, d)
				left.Close()
				right.Close()
				st := metrics.DisparityStats(d)
				d.Close()

				fmt.Fprintln(w, path)
				fmt.Fprintln(w, metricsTable(st, scores))
			}
			fmt.Fprintln(w, timingTable(rig.pipeline))
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.calibration, "calibration", "", "Calibration file; images pass through unrectified without one")
	cmd.Flags().StringVar(&flags.method, "method", "", "Stereo method (default from config)")
	cmd.Flags().StringVar(&flags.params, "params", "", "Method parameter file")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Directory for disparity images")
	return cmd
}

func metricsTable(st metrics.Stats, scores map[string]float64) string {
	rows := [][]string{
		{"size", fmt.Sprintf("%dx%d", st.Width, st.Height)},
		{"valid_pixels", strconv.Itoa(st.Valid)},
		{"min", strconv.FormatFloat(st.Min, 'f', 2, 64)},
		{"median", strconv.FormatFloat(st.Median, 'f', 2, 64)},
		{"max", strconv.FormatFloat(st.Max, 'f', 2, 64)},
	}
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rows = append(rows, []string{name, strconv.FormatFloat(scores[name], 'f', 4, 64)})
	}
	return renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}
