package core

import (
	"fmt"
	"time"

	"stereolab/internal/signal"
)

// Stage identifies one step of the pipeline.
type Stage int

const (
	StageSource Stage = iota
	StageRectification
	StageDisparity
	numStages
)

func (s Stage) String() string {
	switch s {
	case StageSource:
		return "source"
	case StageRectification:
		return "rectification"
	case StageDisparity:
		return "disparity"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Stages lists every stage in dependency order.
func Stages() []Stage {
	return []Stage{StageSource, StageRectification, StageDisparity}
}

// State is the lifecycle state of a stage.
type State int

const (
	Disabled State = iota
	Idle
	Computing
	Failed
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Idle:
		return "idle"
	case Computing:
		return "computing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// stage is the bookkeeping of one step. Fields are guarded by Pipeline.mu.
type stage struct {
	id       Stage
	enabled  bool
	state    State
	dirty    bool
	elapsed  time.Duration
	produced bool
	changed  *signal.Signal
}

func newStage(id Stage, enabled bool) *stage {
	st := &stage{id: id, enabled: enabled, state: Idle, changed: signal.New()}
	if !enabled {
		st.state = Disabled
	}
	return st
}
