package main

import (
	"fmt"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/spf13/cobra"

	"stereolab/internal/calib"
	"stereolab/internal/metrics"
	"stereolab/internal/rectify"
)

func newCalibrateCommand(ctx *commandContext) *cobra.Command {
	var out, kind string
	var width, height int
	var spacing float64

	cmd := &cobra.Command{
		Use:   "calibrate [flags] left0 right0 left1 right1 ...",
		Short: "Calibrate a stereo rig from image pairs and save the result",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("pattern") {
				cfg.Pattern.Kind = kind
			}
			if flags.Changed("width") {
				cfg.Pattern.Width = width
			}
			if flags.Changed("height") {
				cfg.Pattern.Height = height
			}
			if flags.Changed("spacing") {
				cfg.Pattern.Spacing = spacing
			}
			if out == "" {
				out = cfg.Calibration.File
			}
			pattern, err := cfg.CalibrationPattern()
			if err != nil {
				return err
			}

			opts := []calib.Option{calib.WithLogger(logger), calib.WithTermCriteria(cfg.TermCriteria())}
			if cfg.Calibration.Parallelism > 0 {
				opts = append(opts, calib.WithParallelism(cfg.Calibration.Parallelism))
			}
			calibrator := calib.NewCalibrator(opts...)

			model := rectify.NewModel(rectify.WithLogger(logger))
			defer model.Close()

			res, err := calibrator.CalibrateInto(cmd.Context(), model, args, pattern, nil)
			if err != nil {
				return err
			}
			if err := model.SaveFile(out); err != nil {
				return err
			}

			derived, _ := model.Derived()
			rowMean, rowMax, err := rectifiedAlignmentError(model, res.Observations)
			if err != nil {
				return err
			}
			header := "Rectified row error (px)"
			if derived.Vertical {
				header = "Rectified column error (px)"
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, calibrationReport(res, derived, out))
			fmt.Fprintln(w, renderTable([]string{header, "Value"}, [][]string{
				{"Mean", strconv.FormatFloat(rowMean, 'f', 4, 64)},
				{"Max", strconv.FormatFloat(rowMax, 'f', 4, 64)},
			}, []columnAlignment{alignLeft, alignRight}))
			if len(res.Skipped) > 0 {
				rows := make([][]string, 0, len(res.Skipped))
				for _, s := range res.Skipped {
					rows = append(rows, []string{s.Left, s.Right, s.Reason})
				}
				fmt.Fprintln(w, renderTable([]string{"Left", "Right", "Skipped because"}, rows, nil))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Calibration file to write (default from config)")
	cmd.Flags().StringVar(&kind, "pattern", "", "Pattern kind: chessboard, circles, asymmetric_circles")
	cmd.Flags().IntVar(&width, "width", 0, "Pattern nodes per row")
	cmd.Flags().IntVar(&height, "height", 0, "Pattern rows")
	cmd.Flags().Float64Var(&spacing, "spacing", 0, "Distance between pattern nodes in world units")
	return cmd
}

func calibrationReport(res *calib.Result, derived rectify.Derived, path string) string {
	orientation := "horizontal"
	if derived.Vertical {
		orientation = "vertical"
	}
	rows := [][]string{
		{"Run", res.RunID},
		{"Pairs used", fmt.Sprintf("%d of %d", res.PairsUsed, res.PairsTotal)},
		{"RMS reprojection (px)", strconv.FormatFloat(res.RMS, 'f', 4, 64)},
		{"Mean epipolar error (px)", strconv.FormatFloat(res.ReprojectionError, 'f', 4, 64)},
		{"Solver iterations", strconv.Itoa(res.Iterations)},
		{"Orientation", orientation},
		{"Left ROI", derived.ROI1.String()},
		{"Right ROI", derived.ROI2.String()},
		{"Saved to", path},
	}
	return renderTable([]string{"Calibration", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

// rectifiedAlignmentError maps every detection through the rectification and
// measures how far corresponding points sit from a common row, or from a
// common column when the rig is vertical.
func rectifiedAlignmentError(model *rectify.Model, obs []calib.Observation) (float64, float64, error) {
	derived, ok := model.Derived()
	if !ok {
		return 0, 0, rectify.ErrNotCalibrated
	}
	var left, right []r2.Point
	for _, o := range obs {
		l, err := model.RectifyPoints(rectify.Left, o.Left)
		if err != nil {
			return 0, 0, err
		}
		r, err := model.RectifyPoints(rectify.Right, o.Right)
		if err != nil {
			return 0, 0, err
		}
		n := min(len(l), len(r))
		left = append(left, l[:n]...)
		right = append(right, r[:n]...)
	}
	mean, max := alignmentError(left, right, derived.Vertical)
	return mean, max, nil
}

// alignmentError compares rows, or columns for a vertical rig.
func alignmentError(left, right []r2.Point, vertical bool) (float64, float64) {
	if vertical {
		left, right = transposed(left), transposed(right)
	}
	return metrics.RowAlignment(left, right)
}

func transposed(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.Y, Y: p.X}
	}
	return out
}
