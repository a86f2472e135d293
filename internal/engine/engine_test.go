package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreflow-io/scoreflow/internal/config"
	"github.com/scoreflow-io/scoreflow/internal/input"
	"github.com/scoreflow-io/scoreflow/internal/output"
	"github.com/scoreflow-io/scoreflow/internal/pmml"
	"github.com/scoreflow-io/scoreflow/internal/storage"
)

const scoringDoc = `<?xml version="1.0"?>
<PMML version="4.1">
  <Header copyright="test"/>
  <DataDictionary numberOfFields="4">
    <DataField name="x" optype="continuous" dataType="double"/>
    <DataField name="y" optype="categorical" dataType="string"/>
    <DataField name="region" optype="categorical" dataType="string"/>
    <DataField name="g" optype="categorical" dataType="string"/>
  </DataDictionary>
  <TransformationDictionary>
    <DerivedField name="total" optype="continuous" dataType="double">
      <Aggregate field="x" function="sum" groupField="g"/>
    </DerivedField>
  </TransformationDictionary>
  <TreeModel functionName="classification" missingValueStrategy="defaultChild">
    <MiningSchema>
      <MiningField name="x"/>
      <MiningField name="y" usageType="predicted"/>
    </MiningSchema>
    <Output>
      <OutputField name="prediction" feature="predictedValue"/>
      <OutputField name="leaf" feature="entityId"/>
    </Output>
    <Node id="root" score="B" defaultChild="low">
      <True/>
      <Node id="high" score="A">
        <SimplePredicate field="x" operator="greaterThan" value="0.5"/>
      </Node>
      <Node id="low" score="B">
        <SimplePredicate field="x" operator="lessOrEqual" value="0.5"/>
      </Node>
    </Node>
  </TreeModel>
</PMML>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loadConfig(t *testing.T, doc string) *config.Document {
	t.Helper()
	cfg, err := config.Load(strings.NewReader(doc))
	require.NoError(t, err)
	return cfg
}

func loadModel(t *testing.T, doc string) *pmml.Document {
	t.Helper()
	parsed, err := pmml.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	return parsed
}

const consumeOnlyConfig = `<AugustusConfiguration>
  <DataInput><FromStandardIn format="CSV"/></DataInput>
</AugustusConfiguration>`

func newEngine(t *testing.T, cfgDoc, modelDoc string) *Engine {
	t.Helper()
	e, err := New(loadConfig(t, cfgDoc), loadModel(t, modelDoc), testLogger())
	require.NoError(t, err)
	return e
}

func fieldValue(score *output.Score, name string) string {
	for _, f := range score.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func TestProcessScoresEvents(t *testing.T) {
	e := newEngine(t, consumeOnlyConfig, scoringDoc)

	tests := []struct {
		record input.Record
		want   string
		leaf   string
	}{
		{record: input.Record{"x": "0.0"}, want: "B", leaf: "low"},
		{record: input.Record{"x": "1.0"}, want: "A", leaf: "high"},
		{record: input.Record{}, want: "B", leaf: "low"}, // defaultChild
	}
	for i, tt := range tests {
		score, err := e.Process(tt.record)
		require.NoError(t, err)
		require.NotNil(t, score, "event %d", i)
		assert.Equal(t, tt.want, fieldValue(score, "prediction"), "event %d", i)
		assert.Equal(t, tt.leaf, fieldValue(score, "leaf"), "event %d", i)
		assert.Equal(t, int64(i+1), score.SyncNumber)
		assert.Equal(t, e.RunID(), score.ReportID)
	}
}

func TestAggregateDerivedFieldAcrossEvents(t *testing.T) {
	e := newEngine(t, consumeOnlyConfig, scoringDoc)

	stream := []input.Record{
		{"x": "1", "g": "a"},
		{"x": "2", "g": "a"},
		{"x": "10", "g": "b"},
	}
	for _, record := range stream {
		_, err := e.Process(record)
		require.NoError(t, err)
	}

	seg := e.segments[defaultSegment]
	seg.record = input.Record{"g": "a"}
	seg.ctx.Clear()
	assert.Equal(t, 3.0, seg.ctx.Get("total").Float64())

	seg.record = input.Record{"g": "b"}
	seg.ctx.Clear()
	assert.Equal(t, 10.0, seg.ctx.Get("total").Float64())

	seg.record = input.Record{"g": "c"}
	seg.ctx.Clear()
	assert.True(t, seg.ctx.Get("total").IsInvalid())
}

const segmentedConfig = `<AugustusConfiguration>
  <DataInput><FromStandardIn format="CSV"/></DataInput>
  <SegmentationSchema>
    <BlacklistedSegments>
      <Segment>
        <EnumeratedDimension field="region">
          <Selection value="junk" operator="equal"/>
        </EnumeratedDimension>
      </Segment>
    </BlacklistedSegments>
    <SpecificSegments>
      <Segment>
        <EnumeratedDimension field="region">
          <Selection value="north" operator="equal"/>
        </EnumeratedDimension>
      </Segment>
    </SpecificSegments>
  </SegmentationSchema>
</AugustusConfiguration>`

func TestSegmentationRouting(t *testing.T) {
	e := newEngine(t, segmentedConfig, scoringDoc)

	score, err := e.Process(input.Record{"x": "1", "region": "north"})
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, "region=north", score.Segment)

	// Unmatched events land in the default segment.
	score, err = e.Process(input.Record{"x": "1", "region": "elsewhere"})
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, "", score.Segment)

	// Blacklisted events are dropped.
	score, err = e.Process(input.Record{"x": "1", "region": "junk"})
	require.NoError(t, err)
	assert.Nil(t, score)

	assert.Equal(t, []string{"", "region=north"}, e.Segments())
}

func TestSegmentsAreIndependent(t *testing.T) {
	e := newEngine(t, segmentedConfig, scoringDoc)

	// Aggregates accumulate per segment.
	_, err := e.Process(input.Record{"x": "5", "g": "a", "region": "north"})
	require.NoError(t, err)
	_, err = e.Process(input.Record{"x": "7", "g": "a", "region": "elsewhere"})
	require.NoError(t, err)

	north := e.segments["region=north"]
	north.record = input.Record{"g": "a"}
	north.ctx.Clear()
	assert.Equal(t, 5.0, north.ctx.Get("total").Float64())

	def := e.segments[defaultSegment]
	def.record = input.Record{"g": "a"}
	def.ctx.Clear()
	assert.Equal(t, 7.0, def.ctx.Get("total").Float64())
}

const producingConfig = `<AugustusConfiguration>
  <DataInput><FromStandardIn format="CSV"/></DataInput>
  <ModelSetup mode="replaceExisting" updateEvery="event">
    <ProducerAlgorithm model="TreeModel" algorithm="streaming">
      <Parameter name="treeDepth" value="2"/>
      <Parameter name="seed" value="42"/>
    </ProducerAlgorithm>
  </ModelSetup>
</AugustusConfiguration>`

func TestStreamingProducerReplacesBody(t *testing.T) {
	e := newEngine(t, producingConfig, scoringDoc)

	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 600; i++ {
		class, center := "A", -1.0
		if rng.Intn(2) == 1 {
			class, center = "B", 1.0
		}
		_, err := e.Process(input.Record{
			"x": strconv.FormatFloat(rng.NormFloat64()+center, 'g', -1, 64),
			"y": class,
		})
		require.NoError(t, err)
	}

	seg := e.segments[defaultSegment]
	require.NotNil(t, seg.producedTree, "producer must have replaced the consumer body")
	require.NotNil(t, seg.lastEmitted)

	// The produced tree separates the two classes.
	score, err := e.Process(input.Record{"x": "-3", "y": "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", fieldValue(score, "prediction"))

	score, err = e.Process(input.Record{"x": "3", "y": "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", fieldValue(score, "prediction"))
}

func TestProducerFactoryRejectsBadConfig(t *testing.T) {
	badParam := strings.Replace(producingConfig, `name="treeDepth"`, `name="imaginary"`, 1)
	_, err := New(loadConfig(t, badParam), loadModel(t, scoringDoc), testLogger())
	assert.ErrorIs(t, err, ErrRuntimeConfiguration)

	updateExisting := strings.Replace(producingConfig, `mode="replaceExisting"`, `mode="updateExisting"`, 1)
	_, err = New(loadConfig(t, updateExisting), loadModel(t, scoringDoc), testLogger())
	assert.ErrorIs(t, err, ErrRuntimeConfiguration)

	badClassifier := strings.Replace(producingConfig, `name="seed" value="42"`, `name="classifierField" value="ghost"`, 1)
	_, err = New(loadConfig(t, badClassifier), loadModel(t, scoringDoc), testLogger())
	assert.ErrorIs(t, err, ErrRuntimeConfiguration)
}

func TestRunnerEndToEnd(t *testing.T) {
	csv := "x,y,g\n0.0,B,a\n1.0,A,a\n,B,b\n"
	source := input.NewCSVSource(io.NopCloser(strings.NewReader(csv)))

	var buf bytes.Buffer
	writer := output.NewJSONWriter(output.NopWriteCloser(&buf))

	runner := &Runner{
		Engine: newEngine(t, consumeOnlyConfig, scoringDoc),
		Source: source,
		Writer: writer,
		Logger: testLogger(),
	}
	require.NoError(t, runner.Run(context.Background()))
	require.NoError(t, writer.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	want := []string{"B", "A", "B"}
	for i, line := range lines {
		var score output.Score
		require.NoError(t, json.Unmarshal([]byte(line), &score))
		assert.Equal(t, want[i], fieldValue(&score, "prediction"), "line %d", i)
	}
}

const checkpointConfig = `<AugustusConfiguration>
  <DataInput><FromStandardIn format="CSV"/></DataInput>
  <ModelSetup mode="replaceExisting" updateEvery="event" outputFilename="%s">
    <ProducerAlgorithm model="TreeModel" algorithm="c45">
      <Parameter name="maxTreeDepth" value="3"/>
    </ProducerAlgorithm>
    <Serialization writeFrequency="1000" frequencyUnits="observations" storage="asPMML"/>
  </ModelSetup>
</AugustusConfiguration>`

func TestRunnerCheckpointsProducedModel(t *testing.T) {
	outPath := strings.ReplaceAll(t.TempDir()+"/produced.pmml", "\\", "/")
	cfgDoc := strings.Replace(checkpointConfig, "%s", outPath, 1)

	var csv strings.Builder
	csv.WriteString("x,y\n")
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			csv.WriteString("-1,A\n")
		} else {
			csv.WriteString("1,B\n")
		}
	}

	runner := &Runner{
		Engine: newEngine(t, cfgDoc, scoringDoc),
		Source: input.NewCSVSource(io.NopCloser(strings.NewReader(csv.String()))),
		Writer: output.NewJSONWriter(output.NopWriteCloser(&bytes.Buffer{})),
		Logger: testLogger(),
	}
	require.NoError(t, runner.Run(context.Background()))

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)

	// The checkpoint is a parseable model document carrying the produced
	// tree.
	reparsed, err := pmml.Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	bound, err := pmml.Bind(reparsed)
	require.NoError(t, err)
	require.Len(t, bound.Models, 1)
	require.NotNil(t, bound.Models[0].Tree)

	ctx := bound.Models[0].NewContext(func(name string) (any, bool) {
		if name == "x" {
			return "-1", true
		}
		return nil, false
	})
	node := bound.Models[0].Tree.Evaluate(ctx.Get, nil)
	require.NotNil(t, node)
	assert.Equal(t, "A", node.Score.Str())
}

type recordingProcessor struct {
	begins, actions, ends, exceptions int
}

func (p *recordingProcessor) Begin(_ context.Context, state *storage.State) error {
	p.begins++
	state.Global["begun"] = true
	return nil
}

func (p *recordingProcessor) Action(_ context.Context, _ *storage.State, _ string, _ int64) error {
	p.actions++
	return nil
}

func (p *recordingProcessor) End(_ context.Context, state *storage.State) error {
	p.ends++
	state.Global["ended"] = true
	return nil
}

func (p *recordingProcessor) Exception(_ context.Context, _ *storage.State, _ error) error {
	p.exceptions++
	return nil
}

func TestRunnerLifecycleHooksAndState(t *testing.T) {
	statePath := t.TempDir() + "/state.json"
	store := storage.NewJSONStore(statePath)
	proc := &recordingProcessor{}

	runner := &Runner{
		Engine:    newEngine(t, consumeOnlyConfig, scoringDoc),
		Source:    input.NewCSVSource(io.NopCloser(strings.NewReader("x,y\n1,A\n2,B\n"))),
		Writer:    output.NewJSONWriter(output.NopWriteCloser(&bytes.Buffer{})),
		Logger:    testLogger(),
		Processor: proc,
		Store:     store,
	}
	require.NoError(t, runner.Run(context.Background()))

	assert.Equal(t, 1, proc.begins)
	assert.Equal(t, 2, proc.actions)
	assert.Equal(t, 1, proc.ends)
	assert.Equal(t, 0, proc.exceptions)

	// State was saved at end.
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, loaded.Global["begun"])
	assert.Equal(t, true, loaded.Global["ended"])
}

const aggregatingConfig = `<AugustusConfiguration>
  <DataInput><FromStandardIn format="CSV"/></DataInput>
  <AggregationSettings score="true" atEnd="true"/>
</AugustusConfiguration>`

func TestRunnerEmitsFinalAggregates(t *testing.T) {
	var buf bytes.Buffer
	writer := output.NewJSONWriter(output.NopWriteCloser(&buf))

	runner := &Runner{
		Engine: newEngine(t, aggregatingConfig, scoringDoc),
		Source: input.NewCSVSource(io.NopCloser(strings.NewReader("x,y,g\n1,A,a\n2,B,a\n"))),
		Writer: writer,
		Logger: testLogger(),
	}
	require.NoError(t, runner.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// two event scores plus one closing aggregate score
	require.Len(t, lines, 3)

	var final output.Score
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &final))
	assert.Equal(t, "2", fieldValue(&final, "events"))
}
