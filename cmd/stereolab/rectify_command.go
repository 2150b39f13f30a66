package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	imgio "stereolab/internal/io"
	"stereolab/internal/rectify"
)

func newRectifyCommand(ctx *commandContext) *cobra.Command {
	var calibration, outDir string

	cmd := &cobra.Command{
		Use:   "rectify [flags] left right",
		Short: "Rectify one image pair with a saved calibration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if calibration == "" {
				calibration = cfg.Calibration.File
			}

			model := rectify.NewModel(rectify.WithLogger(logger))
			defer model.Close()
			if err := model.LoadFile(calibration); err != nil {
				return err
			}

			loader := imgio.NewImageLoader(logger)
			left, err := loader.LoadImageUnchanged(args[0])
			if err != nil {
				return err
			}
			defer left.Close()
			right, err := loader.LoadImageUnchanged(args[1])
			if err != nil {
				return err
			}
			defer right.Close()

			outL, outR, err := model.RectifyPair(left, right)
			if err != nil {
				return err
			}
			defer outL.Close()
			defer outR.Close()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			pathL := filepath.Join(outDir, "rect_"+filepath.Base(args[0]))
			pathR := filepath.Join(outDir, "rect_"+filepath.Base(args[1]))
			if err := loader.SaveImage(outL, pathL); err != nil {
				return err
			}
			if err := loader.SaveImage(outR, pathR); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", pathL, pathR)
			return nil
		},
	}

	cmd.Flags().StringVar(&calibration, "calibration", "", "Calibration file (default from config)")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Directory for the rectified images")
	return cmd
}
