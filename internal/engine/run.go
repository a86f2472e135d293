package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/scoreflow-io/scoreflow/internal/input"
	"github.com/scoreflow-io/scoreflow/internal/output"
	"github.com/scoreflow-io/scoreflow/internal/pmml"
	"github.com/scoreflow-io/scoreflow/internal/storage"
)

// Runner wires the engine between a source and a writer and owns the run
// lifecycle: state load, begin hook, the event loop with checkpoints,
// end / exception hooks, state save.
type Runner struct {
	Engine    *Engine
	Source    input.Source
	Writer    output.Writer
	Logger    *slog.Logger
	Processor Processor
	Store     storage.Store

	state *storage.State

	checkpointEvery    int64
	checkpointInterval time.Duration
	lastCheckpoint     time.Time
	sinceCheckpoint    int64
}

// Run consumes the source to exhaustion. Scores written before a fatal
// error stay written: the writer flushes per event, and the error is
// returned after the exception hook and a best-effort state save.
func (r *Runner) Run(ctx context.Context) error {
	if r.Processor == nil {
		r.Processor = Nop{}
	}
	r.configureCheckpoints()

	if err := r.loadState(ctx); err != nil {
		return err
	}
	if err := r.Processor.Begin(ctx, r.state); err != nil {
		return err
	}

	runErr := r.loop(ctx)

	if runErr != nil {
		if hookErr := r.Processor.Exception(ctx, r.state, runErr); hookErr != nil {
			r.Logger.Error("exception hook failed", slog.String("error", hookErr.Error()))
		}
	} else {
		r.Engine.Finalize()
		r.checkpoint()
		if err := r.Processor.End(ctx, r.state); err != nil && runErr == nil {
			runErr = err
		}
		r.emitFinalAggregates()
	}

	if err := r.saveState(ctx); err != nil {
		r.Logger.Error("state save failed", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		record, err := r.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		score, err := r.Engine.Process(record)
		if err != nil {
			return err
		}
		if score != nil {
			if err := r.Writer.Write(*score); err != nil {
				return err
			}
		}

		if err := r.Processor.Action(ctx, r.state, scoreSegment(score), r.Engine.sync); err != nil {
			return err
		}

		r.sinceCheckpoint++
		if r.due() {
			r.Engine.Finalize()
			r.checkpoint()
		}

		if r.aggregateBoundary() {
			r.Engine.AggregateTick()
			r.emitIntervalAggregates()
		}
	}
}

// aggregateBoundary reports whether the configured event-number interval
// elapsed on this event.
func (r *Runner) aggregateBoundary() bool {
	agg := r.Engine.cfg.Aggregation
	if agg == nil || agg.EventNumberInterval <= 0 {
		return false
	}
	return r.Engine.sync%agg.EventNumberInterval == 0
}

// emitIntervalAggregates writes one aggregate score per segment at an
// interval boundary.
func (r *Runner) emitIntervalAggregates() {
	agg := r.Engine.cfg.Aggregation
	if agg == nil || !agg.Score {
		return
	}
	r.emitAggregates()
}

// emitAggregates writes the current reduction values of every segment.
func (r *Runner) emitAggregates() {
	for _, id := range r.Engine.Segments() {
		seg := r.Engine.segments[id]
		score := output.Score{
			ReportID:   r.Engine.runID,
			SyncNumber: r.Engine.sync,
			Segment:    id,
			Fields:     r.Engine.aggregateFields(seg),
		}
		if err := r.Writer.Write(score); err != nil {
			r.Logger.Error("aggregate emission failed", slog.String("error", err.Error()))
			return
		}
	}
}

func scoreSegment(score *output.Score) string {
	if score == nil {
		return ""
	}
	return score.Segment
}

func (r *Runner) configureCheckpoints() {
	s := r.Engine.cfg.ModelSetup.Serialization
	if s == nil {
		return
	}
	if s.FrequencyUnits == "observations" {
		r.checkpointEvery = s.WriteFrequency
	} else {
		r.checkpointInterval = s.CheckpointInterval()
	}
	r.lastCheckpoint = time.Now()
}

func (r *Runner) due() bool {
	if r.checkpointEvery > 0 && r.sinceCheckpoint >= r.checkpointEvery {
		return true
	}
	if r.checkpointInterval > 0 && time.Since(r.lastCheckpoint) >= r.checkpointInterval {
		return true
	}
	return false
}

// checkpoint writes the produced model document when configured.
func (r *Runner) checkpoint() {
	r.sinceCheckpoint = 0
	r.lastCheckpoint = time.Now()

	path := r.Engine.cfg.ModelSetup.OutputFilename
	if path == "" {
		return
	}

	bodies := r.Engine.EmittedBodies(defaultSegment)
	if bodies == nil {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		r.Logger.Error("checkpoint failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	if err := pmml.WriteDocument(f, r.Engine.doc, bodies); err != nil {
		r.Logger.Error("checkpoint write failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	r.Logger.Info("model checkpoint written", slog.String("path", path))
}

// emitFinalAggregates emits one closing score per segment when the
// aggregation settings ask for an at-end report.
func (r *Runner) emitFinalAggregates() {
	agg := r.Engine.cfg.Aggregation
	if agg == nil || !agg.AtEnd || !agg.Score {
		return
	}
	r.emitAggregates()
}

// aggregateFields renders the reduction values of a segment.
func (e *Engine) aggregateFields(seg *segmentState) []output.ScoreField {
	fields := make([]output.ScoreField, 0, len(seg.model.Reductions)+1)
	fields = append(fields, output.ScoreField{Name: "events", Value: strconv.FormatInt(e.sync, 10)})
	for i, red := range seg.model.Reductions {
		fields = append(fields, output.ScoreField{
			Name:  "aggregate" + strconv.Itoa(i+1),
			Value: red.Evaluate(seg.ctx).Format(),
		})
	}
	return fields
}

func (r *Runner) loadState(ctx context.Context) error {
	if r.Store == nil {
		r.state = storage.NewState()
		return nil
	}
	state, err := r.Store.Load(ctx)
	if err != nil {
		return err
	}
	r.state = state
	return nil
}

func (r *Runner) saveState(ctx context.Context) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Save(ctx, r.state)
}
