package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scoreflow-io/scoreflow/internal/config"
	"github.com/scoreflow-io/scoreflow/internal/pmml"
	"github.com/scoreflow-io/scoreflow/internal/producer"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

type (
	// producerInstance is the engine's view of a model-body producer.
	producerInstance interface {
		Update(syncNumber int64, get value.Getter) bool
		// Emit materializes the current best body; nil when the producer
		// has nothing to emit yet.
		Emit() (*producer.Emitted, error)
		// EmitEvery reports whether the body should be re-materialized
		// after every update (the streaming grower) or only at
		// finalization and checkpoints (the batch grower).
		EmitEvery() bool
		Events() int64
	}

	producerFactory func() (producerInstance, error)
)

// newProducerFactory translates the ModelSetup section into a per-segment
// producer constructor. A nil factory means consume-only operation.
func newProducerFactory(setup config.ModelSetup, model *pmml.BoundModel) (producerFactory, error) {
	if setup.Mode == "lockExisting" || setup.Producer == nil {
		return nil, nil
	}
	if setup.Mode == "updateExisting" {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeConfiguration, producer.ErrUpdateExisting)
	}

	algo := setup.Producer
	switch algo.Model {
	case "TreeModel", "RuleSetModel":
	default:
		return nil, fmt.Errorf("%w: producer model %q is not supported by this engine", ErrRuntimeConfiguration, algo.Model)
	}

	features, err := featureSpecs(model)
	if err != nil {
		return nil, err
	}
	regression := model.Doc.FunctionName == "regression"
	predicted := model.Predicted

	switch algo.Algorithm {
	case "streaming":
		cfg, err := worldsParams(algo.Parameters)
		if err != nil {
			return nil, err
		}
		kind := model.Doc.Kind
		return func() (producerInstance, error) {
			w, err := producer.NewWorlds(cfg, features, predicted, regression)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRuntimeConfiguration, err)
			}
			return &worldsInstance{worlds: w, kind: kind}, nil
		}, nil

	case "iterative", "c45", "cart":
		cfg, err := iterativeParams(algo.Algorithm, algo.Parameters)
		if err != nil {
			return nil, err
		}
		targetNumeric := classifierIsNumeric(model, cfg.ClassifierField)
		return func() (producerInstance, error) {
			p, err := producer.NewIterative(cfg, features, predicted, regression, targetNumeric)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRuntimeConfiguration, err)
			}
			return &iterativeInstance{iterative: p}, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: algorithm %q for model %q", ErrRuntimeConfiguration, algo.Algorithm, algo.Model)
	}
}

// featureSpecs derives producer feature descriptions from the bound
// mining schema.
func featureSpecs(model *pmml.BoundModel) ([]producer.FeatureSpec, error) {
	specs := make([]producer.FeatureSpec, 0, len(model.Active))
	for _, name := range model.Active {
		t, ok := model.ActiveTypes[name]
		if !ok {
			return nil, fmt.Errorf("%w: active field %q has no type", ErrRuntimeConfiguration, name)
		}

		spec := producer.FeatureSpec{
			Name:    name,
			Optype:  t.Optype,
			Integer: t.DataType.String() == "integer",
		}
		if t.Optype == value.OrdinalOp && t.DataType.String() == "string" {
			for i, member := range t.Values {
				spec.OrdinalValues = append(spec.OrdinalValues, value.Ordinal(member, i))
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func classifierIsNumeric(model *pmml.BoundModel, classifierField string) bool {
	name := classifierField
	if name == "" && len(model.Predicted) > 0 {
		name = model.Predicted[0]
	}
	t, ok := model.Schema.Type(name)
	return ok && t.DataType.IsNumeric()
}

// worldsParams applies the streaming defaults and the configured knobs.
func worldsParams(params []config.Parameter) (producer.WorldsConfig, error) {
	cfg := producer.DefaultWorldsConfig()
	for _, p := range params {
		var err error
		switch p.Name {
		case "updateExisting":
			if isTrue(p.Value) {
				return cfg, fmt.Errorf("%w: %v", ErrRuntimeConfiguration, producer.ErrUpdateExisting)
			}
		case "featureMaturityThreshold":
			cfg.FeatureMaturityThreshold, err = strconv.Atoi(p.Value)
		case "splitMaturityThreshold":
			cfg.SplitMaturityThreshold, err = strconv.Atoi(p.Value)
		case "trialsToKeep":
			cfg.TrialsToKeep, err = strconv.Atoi(p.Value)
		case "worldsToSplit":
			cfg.WorldsToSplit, err = strconv.Atoi(p.Value)
		case "treeDepth":
			cfg.TreeDepth, err = strconv.Atoi(p.Value)
		case "classifierField":
			cfg.ClassifierField = p.Value
		case "seed":
			cfg.Seed, err = strconv.ParseInt(p.Value, 10, 64)
		default:
			return cfg, fmt.Errorf("%w: unrecognized parameter %q", ErrRuntimeConfiguration, p.Name)
		}
		if err != nil {
			return cfg, fmt.Errorf("%w: parameter %q=%q: %v", ErrRuntimeConfiguration, p.Name, p.Value, err)
		}
	}
	return cfg, nil
}

// iterativeParams applies the batch defaults, the preset (c45 / cart fix
// their strategies), and the configured knobs.
func iterativeParams(algorithm string, params []config.Parameter) (producer.IterativeConfig, error) {
	cfg := producer.DefaultIterativeConfig()
	preset := algorithm == "c45" || algorithm == "cart"

	if preset {
		fast := false
		for _, p := range params {
			if p.Name == "fast" {
				fast = isTrue(p.Value)
			}
		}
		if algorithm == "c45" {
			cfg = producer.C45Config(fast)
		} else {
			cfg = producer.CARTConfig(fast)
		}
	}

	for _, p := range params {
		var err error
		switch {
		case p.Name == "fast" && preset:
			// consumed above
		case p.Name == "updateExisting":
			if isTrue(p.Value) {
				return cfg, fmt.Errorf("%w: %v", ErrRuntimeConfiguration, producer.ErrUpdateExisting)
			}
		case p.Name == "maxTreeDepth":
			cfg.MaxTreeDepth, err = strconv.Atoi(p.Value)
		case p.Name == "minGain":
			cfg.MinGain, err = strconv.ParseFloat(p.Value, 64)
		case p.Name == "minRecordCount":
			cfg.MinRecordCount, err = strconv.Atoi(p.Value)
		case p.Name == "splitOrdinal":
			if preset {
				return cfg, fmt.Errorf("%w: splitOrdinal is fixed by algorithm %q", ErrRuntimeConfiguration, algorithm)
			}
			cfg.SplitOrdinal, err = producer.ParseOrdinalStrategy(p.Value)
		case p.Name == "splitCategorical":
			if preset {
				return cfg, fmt.Errorf("%w: splitCategorical is fixed by algorithm %q", ErrRuntimeConfiguration, algorithm)
			}
			cfg.SplitCategorical, err = producer.ParseCategoricalStrategy(p.Value)
		case p.Name == "classifierField":
			cfg.ClassifierField = p.Value
		case p.Name == "pruningDataFraction":
			cfg.PruningDataFraction, err = strconv.ParseFloat(p.Value, 64)
		case p.Name == "pruningThreshold":
			cfg.PruningThreshold, err = strconv.ParseFloat(p.Value, 64)
		case strings.HasPrefix(p.Name, "split_"):
			feature := strings.TrimPrefix(p.Name, "split_")
			if ord, ordErr := producer.ParseOrdinalStrategy(p.Value); ordErr == nil {
				if cfg.FeatureOrdinal == nil {
					cfg.FeatureOrdinal = make(map[string]producer.OrdinalStrategy)
				}
				cfg.FeatureOrdinal[feature] = ord
			}
			if cat, catErr := producer.ParseCategoricalStrategy(p.Value); catErr == nil {
				if cfg.FeatureCategorical == nil {
					cfg.FeatureCategorical = make(map[string]producer.CategoricalStrategy)
				}
				cfg.FeatureCategorical[feature] = cat
			}
		default:
			return cfg, fmt.Errorf("%w: unrecognized parameter %q", ErrRuntimeConfiguration, p.Name)
		}
		if err != nil {
			return cfg, fmt.Errorf("%w: parameter %q=%q: %v", ErrRuntimeConfiguration, p.Name, p.Value, err)
		}
	}
	return cfg, nil
}

func isTrue(s string) bool {
	return s == "true" || s == "1"
}

// worldsInstance adapts the streaming grower.
type worldsInstance struct {
	worlds *producer.Worlds
	kind   pmml.ModelKind
}

func (w *worldsInstance) Update(syncNumber int64, get value.Getter) bool {
	return w.worlds.Update(syncNumber, get)
}

func (w *worldsInstance) Emit() (*producer.Emitted, error) {
	if w.worlds.Events() == 0 {
		return nil, nil
	}
	if w.kind == pmml.RuleSetModelKind {
		return w.worlds.BestRule(), nil
	}
	return w.worlds.BestTree(), nil
}

func (w *worldsInstance) EmitEvery() bool { return true }

func (w *worldsInstance) Events() int64 { return w.worlds.Events() }

// iterativeInstance adapts the batch grower: it buffers on update and
// materializes only when finalized or checkpointed.
type iterativeInstance struct {
	iterative *producer.Iterative
}

func (p *iterativeInstance) Update(syncNumber int64, get value.Getter) bool {
	return p.iterative.Update(syncNumber, get)
}

func (p *iterativeInstance) Emit() (*producer.Emitted, error) {
	if p.iterative.Events() == 0 {
		return nil, nil
	}
	return p.iterative.Produce()
}

func (p *iterativeInstance) EmitEvery() bool { return false }

func (p *iterativeInstance) Events() int64 { return p.iterative.Events() }
