// Stage timing history and operation logging
package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxOperations bounds the history kept by a Recorder.
const maxOperations = 256

// Operation records one stage computation or skipped request.
type Operation struct {
	Timestamp time.Time
	Stage     Stage
	Operation string // "compute", "dropped", "skipped"
	Success   bool
	Duration  time.Duration
	Sequence  uint64
	Error     string
}

// Recorder keeps a bounded history of stage operations and logs each one.
type Recorder struct {
	mu         sync.Mutex
	logger     logrus.FieldLogger
	operations []Operation
	durations  [numStages][]time.Duration
}

func NewRecorder(logger logrus.FieldLogger) *Recorder {
	return &Recorder{logger: logger}
}

// LogOperation stores op and logs it at debug level, or error level when it
// failed.
func (r *Recorder) LogOperation(op Operation) {
	r.mu.Lock()
	r.operations = append(r.operations, op)
	if len(r.operations) > maxOperations {
		r.operations = r.operations[len(r.operations)-maxOperations:]
	}
	if op.Operation == "compute" && op.Success {
		d := append(r.durations[op.Stage], op.Duration)
		if len(d) > maxOperations {
			d = d[len(d)-maxOperations:]
		}
		r.durations[op.Stage] = d
	}
	r.mu.Unlock()

	entry := r.logger.WithFields(logrus.Fields{
		"stage":       op.Stage.String(),
		"operation":   op.Operation,
		"success":     op.Success,
		"duration_ms": op.Duration.Milliseconds(),
		"sequence":    op.Sequence,
	})
	if op.Error != "" {
		entry.WithField("error", op.Error).Error("PIPELINE: Stage failed")
		return
	}
	entry.Debug("PIPELINE: Stage operation")
}

// Operations returns the recorded history, oldest first.
func (r *Recorder) Operations() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Operation(nil), r.operations...)
}

// TimingSummary aggregates successful computations of one stage.
type TimingSummary struct {
	Stage   Stage
	Count   int
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
}

// Summary returns one entry per stage.
func (r *Recorder) Summary() []TimingSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TimingSummary, 0, numStages)
	for _, s := range Stages() {
		ts := TimingSummary{Stage: s, Count: len(r.durations[s])}
		var total time.Duration
		for i, d := range r.durations[s] {
			total += d
			if i == 0 || d < ts.Min {
				ts.Min = d
			}
			if d > ts.Max {
				ts.Max = d
			}
		}
		if ts.Count > 0 {
			ts.Average = total / time.Duration(ts.Count)
		}
		out = append(out, ts)
	}
	return out
}
