// Package engine provides the scoring pipeline: route each event to its
// segment, resolve fields through the data context, score with the bound
// model body, fold the event into the producer, and emit output fields.
package engine

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/scoreflow-io/scoreflow/internal/config"
	"github.com/scoreflow-io/scoreflow/internal/datactx"
	"github.com/scoreflow-io/scoreflow/internal/input"
	"github.com/scoreflow-io/scoreflow/internal/output"
	"github.com/scoreflow-io/scoreflow/internal/pmml"
	"github.com/scoreflow-io/scoreflow/internal/predicate"
	"github.com/scoreflow-io/scoreflow/internal/producer"
	"github.com/scoreflow-io/scoreflow/internal/tree"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Sentinel errors for engine construction.
var (
	// ErrNoModel indicates a document with no scorable model body.
	ErrNoModel = errors.New("no scorable model in document")

	// ErrRuntimeConfiguration indicates an invalid combination of
	// configuration and model document. Fatal at bind time.
	ErrRuntimeConfiguration = errors.New("runtime configuration error")
)

type (
	// Engine drives the per-event pipeline over one model document.
	Engine struct {
		cfg    *config.Document
		doc    *pmml.Document
		logger *slog.Logger

		router   *router
		segments map[string]*segmentState
		order    []string

		makeProducer producerFactory

		sync  int64
		runID string
	}

	// segmentState is everything one segment owns: its own bound model
	// (fresh derived-field closures and aggregates), data context,
	// producer, and the latest produced body.
	segmentState struct {
		id    string
		model *pmml.BoundModel
		ctx   *datactx.Context

		record input.Record

		prod         producerInstance
		producedTree *tree.Tree
		producedRule *tree.RuleSet
		lastEmitted  *producer.Emitted
	}
)

// New binds the engine: checks the document against the configuration,
// compiles the segment router, and prepares the producer factory.
func New(cfg *config.Document, doc *pmml.Document, logger *slog.Logger) (*Engine, error) {
	bound, err := pmml.Bind(doc)
	if err != nil {
		return nil, err
	}
	if len(bound.Models) == 0 {
		return nil, ErrNoModel
	}

	r, err := newRouter(cfg.Segmentation)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		doc:      doc,
		logger:   logger.With(slog.String("stage", "engine")),
		router:   r,
		segments: make(map[string]*segmentState),
		runID:    uuid.NewString(),
	}

	factory, err := newProducerFactory(cfg.ModelSetup, bound.Models[0])
	if err != nil {
		return nil, err
	}
	e.makeProducer = factory

	// materialize the default segment eagerly so configuration errors
	// surface at bind time, not on the first event
	if _, err := e.segment(defaultSegment); err != nil {
		return nil, err
	}

	return e, nil
}

// RunID identifies this engine run in emitted scores.
func (e *Engine) RunID() string { return e.runID }

// segment returns (creating on first use) the state of one segment.
func (e *Engine) segment(id string) (*segmentState, error) {
	if seg, ok := e.segments[id]; ok {
		return seg, nil
	}

	// each segment gets its own bind: independent derived-field closures,
	// aggregates, treatments
	bound, err := pmml.Bind(e.doc)
	if err != nil {
		return nil, err
	}
	model := bound.Models[0]

	seg := &segmentState{id: id, model: model}
	seg.ctx = model.NewContext(func(name string) (any, bool) {
		v, ok := seg.record[name]
		return v, ok
	})

	if e.makeProducer != nil {
		prod, err := e.makeProducer()
		if err != nil {
			return nil, err
		}
		seg.prod = prod
	}

	e.segments[id] = seg
	e.order = append(e.order, id)

	if id != defaultSegment {
		e.logger.Debug("segment created", slog.String("segment", id))
	}
	return seg, nil
}

// Process scores one event. The returned score is nil for blacklisted
// events and when per-event emission is disabled.
func (e *Engine) Process(record input.Record) (*output.Score, error) {
	e.sync++
	sync := e.sync

	segID, drop := e.router.route(e.routingGetter(record))
	if drop {
		return nil, nil
	}

	seg, err := e.segment(segID)
	if err != nil {
		return nil, err
	}

	seg.record = record
	seg.ctx.Clear()

	meta := &predicate.Meta{}
	var node *tree.Node
	var ruleScore tree.RuleScore
	scored := false

	if e.cfg.EventSet == nil || e.cfg.EventSet.Score {
		if t := seg.consumerTree(); t != nil {
			node = t.Evaluate(seg.ctx.Get, meta)
			scored = true
		} else if rs := seg.consumerRules(); rs != nil {
			ruleScore = rs.Evaluate(seg.ctx.Get, meta)
			scored = true
		}
	}

	if seg.prod != nil && e.updateOnEvent() {
		if seg.prod.Update(sync, seg.ctx.Get) && seg.prod.EmitEvery() {
			seg.refreshProduced(e.logger)
		}
	}

	for _, red := range seg.model.Reductions {
		red.Increment(sync, seg.ctx)
	}

	if e.cfg.EventSet != nil && !e.cfg.EventSet.Output {
		return nil, nil
	}

	score := &output.Score{
		ReportID:   e.runID,
		SyncNumber: sync,
		Segment:    segID,
	}
	score.Fields = e.outputFields(seg, node, ruleScore, scored, meta)
	return score, nil
}

// routingGetter resolves raw record values for segment routing, casting
// through the dictionary when the field is declared.
func (e *Engine) routingGetter(record input.Record) value.Getter {
	return func(name string) value.Value {
		raw, ok := record[name]
		if !ok {
			return value.Missing()
		}
		if t, declared := e.doc.Dictionary.Lookup(name); declared {
			return t.Cast(raw)
		}
		if s, isString := raw.(string); isString {
			return value.String(s)
		}
		if f, isFloat := raw.(float64); isFloat {
			return value.Float(f)
		}
		return value.Missing()
	}
}

func (e *Engine) updateOnEvent() bool {
	return e.cfg.ModelSetup.Mode != "lockExisting" &&
		(e.cfg.ModelSetup.UpdateEvery == "event" || e.cfg.ModelSetup.UpdateEvery == "both")
}

// consumerTree returns the produced tree when the producer has replaced
// the original body, the document body otherwise.
func (s *segmentState) consumerTree() *tree.Tree {
	if s.producedTree != nil {
		return s.producedTree
	}
	return s.model.Tree
}

func (s *segmentState) consumerRules() *tree.RuleSet {
	if s.producedRule != nil {
		return s.producedRule
	}
	return s.model.Rules
}

// refreshProduced re-materializes the consumer body from the producer.
func (s *segmentState) refreshProduced(logger *slog.Logger) {
	emitted, err := s.prod.Emit()
	if err != nil || emitted == nil {
		if err != nil {
			logger.Debug("producer emission unavailable", slog.String("error", err.Error()))
		}
		return
	}
	s.lastEmitted = emitted

	switch s.model.Doc.Kind {
	case pmml.TreeModelKind:
		t, err := emitted.Tree(s.model.Tree.Missing, s.model.Tree.NoTrueChild)
		if err != nil {
			logger.Warn("produced tree does not bind", slog.String("error", err.Error()))
			return
		}
		s.producedTree = t
	case pmml.RuleSetModelKind:
		criterion := tree.FirstHit
		if s.model.Rules != nil {
			criterion = s.model.Rules.Criterion
		}
		rs, err := emitted.RuleSet(criterion)
		if err != nil {
			logger.Warn("produced rule set does not bind", slog.String("error", err.Error()))
			return
		}
		s.producedRule = rs
	}
}

// outputFields renders every declared output field. Models with no Output
// section emit a single predictedValue field.
func (e *Engine) outputFields(seg *segmentState, node *tree.Node, ruleScore tree.RuleScore, scored bool, meta *predicate.Meta) []output.ScoreField {
	predicted := value.Missing()
	entityID := ""
	confidence := 0.0

	if scored {
		switch {
		case seg.model.Doc.Kind == pmml.TreeModelKind:
			if node != nil {
				predicted = node.NodeScore(seg.ctx.Get)
				entityID = node.ID
			}
		default:
			predicted = ruleScore.Score
			entityID = ruleScore.RuleID
			confidence = ruleScore.Confidence
		}
	}

	if len(seg.model.Output) == 0 {
		return []output.ScoreField{{Name: "predictedValue", Value: predicted.Format()}}
	}

	fields := make([]output.ScoreField, 0, len(seg.model.Output))
	for _, of := range seg.model.Output {
		fields = append(fields, output.ScoreField{
			Name:  of.DisplayName,
			Value: e.outputValue(seg, of, node, predicted, entityID, confidence, meta),
		})
	}
	return fields
}

func (e *Engine) outputValue(seg *segmentState, of pmml.OutputField, node *tree.Node, predicted value.Value, entityID string, confidence float64, meta *predicate.Meta) string {
	switch of.Feature {
	case "predictedValue", "predictedDisplayValue":
		return predicted.Format()

	case "transformedValue":
		if of.Expr == nil {
			return value.Missing().Format()
		}
		return of.Expr(seg.ctx).Format()

	case "decision":
		if of.Expr == nil {
			return value.Missing().Format()
		}
		v := of.Expr(seg.ctx).Format()
		if display, ok := of.Decisions[v]; ok {
			return display
		}
		return v

	case "probability", "confidence", "affinity":
		if seg.model.Doc.Kind != pmml.TreeModelKind {
			return formatFloat(confidence)
		}
		if node == nil {
			return value.Missing().Format()
		}
		probs := node.Probabilities()
		if probs == nil {
			return value.Missing().Format()
		}
		key := of.Value
		if key == "" {
			key = predicted.Format()
		}
		p := probs[key]
		if t := seg.consumerTree(); t != nil {
			p *= t.Penalty(meta.Unknowns)
		}
		return formatFloat(p)

	case "entityId", "ruleValue":
		if entityID == "" {
			return value.Missing().Format()
		}
		return entityID

	case "warning":
		if err := seg.ctx.Err(); err != nil {
			return err.Error()
		}
		return ""

	case "reasonCode":
		// reason codes come from score dictionaries of model families
		// outside this engine's scorable set
		return value.Missing().Format()

	default:
		return value.Missing().Format()
	}
}

func formatFloat(f float64) string {
	return value.Float(f).Format()
}

// AggregateTick runs producer updates that are deferred to aggregation
// boundaries (updateEvery aggregate), using each segment's last
// event context.
func (e *Engine) AggregateTick() {
	if e.cfg.ModelSetup.Mode == "lockExisting" {
		return
	}
	// "both" already updated per event; a second fold of the boundary
	// event would double-count it
	if e.cfg.ModelSetup.UpdateEvery != "aggregate" {
		return
	}
	for _, id := range e.order {
		seg := e.segments[id]
		if seg.prod == nil || seg.record == nil {
			continue
		}
		if seg.prod.Update(e.sync, seg.ctx.Get) && seg.prod.EmitEvery() {
			seg.refreshProduced(e.logger)
		}
	}
}

// Finalize materializes every segment's producer body: the batch grower
// builds its tree here, the streaming grower re-emits its latest best.
func (e *Engine) Finalize() {
	for _, id := range e.order {
		seg := e.segments[id]
		if seg.prod != nil && seg.prod.Events() > 0 {
			seg.refreshProduced(e.logger)
		}
	}
}

// Segments returns the segment identifiers in creation order.
func (e *Engine) Segments() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// EmittedBodies returns, per document model index, the latest produced
// body of the given segment, for checkpoint serialization.
func (e *Engine) EmittedBodies(segID string) map[int]*producer.Emitted {
	seg, ok := e.segments[segID]
	if !ok || seg.lastEmitted == nil {
		return nil
	}
	return map[int]*producer.Emitted{seg.model.Index: seg.lastEmitted}
}
