package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
	"stereolab/internal/config"
	"stereolab/internal/core"
	"stereolab/internal/rectify"
	"stereolab/internal/source"
)

type pipelineFlags struct {
	calibration string
	method      string
	params      string
}

// defaultCalibration returns the configured calibration file if it exists.
func defaultCalibration(cfg *config.Config) string {
	if cfg.Calibration.File == "" {
		return ""
	}
	if _, err := os.Stat(cfg.Calibration.File); err != nil {
		return ""
	}
	return cfg.Calibration.File
}

type stereoRig struct {
	model    *rectify.Model
	method   algorithms.Method
	pipeline *core.Pipeline
}

// newStereoRig wires src through rectification into the configured method.
// Without a calibration file rectification passes images through unchanged.
func newStereoRig(cfg *config.Config, logger logrus.FieldLogger, src source.Source, flags pipelineFlags, threaded bool) (*stereoRig, error) {
	name := cfg.Method.Name
	if flags.method != "" {
		name = flags.method
	}
	method, err := algorithms.New(name)
	if err != nil {
		return nil, err
	}
	params := cfg.Method.ParameterFile
	if flags.params != "" {
		params = flags.params
	}
	if params != "" {
		if err := algorithms.LoadParametersFile(method, params); err != nil {
			method.Close()
			return nil, err
		}
	}

	model := rectify.NewModel(rectify.WithLogger(logger))
	if flags.calibration != "" {
		if err := model.LoadFile(flags.calibration); err != nil {
			method.Close()
			model.Close()
			return nil, err
		}
	} else {
		logger.Warn("No calibration given, images are not rectified")
	}

	p := core.NewPipeline(src, model, method,
		core.WithLogger(logger),
		core.WithThreaded(threaded),
		core.WithStageEnabled(core.StageSource, cfg.Pipeline.SourceEnabled),
		core.WithStageEnabled(core.StageRectification, cfg.Pipeline.RectificationEnabled),
		core.WithStageEnabled(core.StageDisparity, cfg.Pipeline.DisparityEnabled),
	)
	return &stereoRig{model: model, method: method, pipeline: p}, nil
}

func (r *stereoRig) Close() error {
	return multierr.Combine(r.pipeline.Close(), r.method.Close(), r.model.Close())
}

// visualizeDisparity scales valid disparities to 0..255. Invalid pixels
// saturate to black.
func visualizeDisparity(d algorithms.Disparity) (gocv.Mat, error) {
	out := gocv.NewMat()
	if d.Map.Empty() {
		return out, nil
	}
	scale := float32(1)
	if d.Max > 0 {
		scale = float32(255 / d.Max)
	}
	if err := d.Map.ConvertToWithParams(&out, gocv.MatTypeCV8U, scale, 0); err != nil {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("scale disparity: %w", err)
	}
	return out, nil
}

func timingTable(p *core.Pipeline) string {
	rows := [][]string{}
	for _, s := range p.Recorder().Summary() {
		rows = append(rows, []string{
			s.Stage.String(),
			p.State(s.Stage).String(),
			strconv.Itoa(s.Count),
			fmt.Sprintf("%.1f", float64(s.Average.Microseconds())/1000),
			strconv.FormatInt(p.ElapsedMillis(s.Stage), 10),
		})
	}
	return renderTable(
		[]string{"Stage", "State", "Runs", "Avg ms", "Last ms"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}
