package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `<AugustusConfiguration>
  <Logging level="DEBUG"><ToStandardError/></Logging>
  <ModelInput fileLocation="models/*.pmml" selectmode="mostRecent" maturityThreshold="10"/>
  <DataInput><FromFile name="events.csv" format="CSV"/></DataInput>
  <EventSettings score="true" output="true"/>
  <AggregationSettings score="true" atEnd="true" eventNumberInterval="100"/>
  <Output type="JSON">
    <ToFile name="scores.json"/>
    <EventTag>Event</EventTag>
  </Output>
  <ModelSetup mode="replaceExisting" updateEvery="event" outputFilename="out.pmml">
    <ProducerAlgorithm model="TreeModel" algorithm="streaming">
      <Parameter name="treeDepth" value="4"/>
      <Parameter name="trialsToKeep" value="25"/>
    </ProducerAlgorithm>
    <Serialization writeFrequency="500" frequencyUnits="observations" storage="asPMML"/>
  </ModelSetup>
  <SegmentationSchema>
    <SpecificSegments>
      <Segment>
        <EnumeratedDimension field="region">
          <Selection value="north" operator="equal"/>
        </EnumeratedDimension>
      </Segment>
    </SpecificSegments>
    <GenericSegments>
      <Segment>
        <PartitionedDimension field="x">
          <Partition low="0" high="100" divisions="10" closure="closedOpen"/>
        </PartitionedDimension>
      </Segment>
    </GenericSegments>
  </SegmentationSchema>
  <CustomProcessing>
    <PersistentStorage connect="json://state.json"/>
  </CustomProcessing>
</AugustusConfiguration>`

func TestLoadFullDocument(t *testing.T) {
	doc, err := Load(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "models/*.pmml", doc.ModelInput.FileLocation)
	assert.Equal(t, "mostRecent", doc.ModelInput.SelectMode)
	assert.Equal(t, 10, doc.ModelInput.MaturityThreshold)

	require.NotNil(t, doc.DataInput.FromFile)
	assert.Equal(t, "CSV", doc.DataInput.FromFile.Format)

	assert.Equal(t, "JSON", doc.Output.Type)
	require.NotNil(t, doc.Output.ToFile)
	assert.Equal(t, "scores.json", doc.Output.ToFile.Name)

	assert.Equal(t, "replaceExisting", doc.ModelSetup.Mode)
	require.NotNil(t, doc.ModelSetup.Producer)
	assert.Equal(t, "TreeModel", doc.ModelSetup.Producer.Model)
	assert.Equal(t, "streaming", doc.ModelSetup.Producer.Algorithm)
	require.Len(t, doc.ModelSetup.Producer.Parameters, 2)
	assert.Equal(t, "treeDepth", doc.ModelSetup.Producer.Parameters[0].Name)

	require.NotNil(t, doc.ModelSetup.Serialization)
	assert.Equal(t, int64(500), doc.ModelSetup.Serialization.WriteFrequency)
	assert.Equal(t, time.Duration(0), doc.ModelSetup.Serialization.CheckpointInterval())

	require.Len(t, doc.Segmentation.Specific, 1)
	require.Len(t, doc.Segmentation.Specific[0].Enumerated, 1)
	assert.Equal(t, "region", doc.Segmentation.Specific[0].Enumerated[0].Field)
	require.Len(t, doc.Segmentation.Generic, 1)

	require.NotNil(t, doc.Custom)
	require.NotNil(t, doc.Custom.Storage)
	assert.Equal(t, "json://state.json", doc.Custom.Storage.Connect)

	assert.Equal(t, slog.LevelDebug, doc.LogLevel())
	require.NotNil(t, doc.Aggregation)
	assert.True(t, doc.Aggregation.AtEnd)
	assert.Equal(t, int64(100), doc.Aggregation.EventNumberInterval)
}

func TestLoadAppliesDefaults(t *testing.T) {
	doc, err := Load(strings.NewReader(
		`<AugustusConfiguration><DataInput><FromStandardIn format="CSV"/></DataInput></AugustusConfiguration>`))
	require.NoError(t, err)

	assert.Equal(t, "lastAlphabetic", doc.ModelInput.SelectMode)
	assert.Equal(t, "XML", doc.Output.Type)
	assert.Equal(t, "Event", doc.Output.EventTag)
	assert.Equal(t, "Report", doc.Output.ReportTag)
	assert.Equal(t, "lockExisting", doc.ModelSetup.Mode)
	assert.Equal(t, "event", doc.ModelSetup.UpdateEvery)
	require.NotNil(t, doc.EventSet)
	assert.True(t, doc.EventSet.Score)
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "no data input",
			doc:  `<AugustusConfiguration></AugustusConfiguration>`,
			want: ErrNoDataInput,
		},
		{
			name: "two data inputs",
			doc: `<AugustusConfiguration><DataInput>` +
				`<FromStandardIn format="CSV"/><FromFile name="x" format="CSV"/>` +
				`</DataInput></AugustusConfiguration>`,
			want: ErrBadConfig,
		},
		{
			name: "bad mode",
			doc: `<AugustusConfiguration>` +
				`<DataInput><FromStandardIn format="CSV"/></DataInput>` +
				`<ModelSetup mode="freestyle"/></AugustusConfiguration>`,
			want: ErrBadConfig,
		},
		{
			name: "bad updateEvery",
			doc: `<AugustusConfiguration>` +
				`<DataInput><FromStandardIn format="CSV"/></DataInput>` +
				`<ModelSetup updateEvery="sometimes"/></AugustusConfiguration>`,
			want: ErrBadConfig,
		},
		{
			name: "bad frequency units",
			doc: `<AugustusConfiguration>` +
				`<DataInput><FromStandardIn format="CSV"/></DataInput>` +
				`<ModelSetup><Serialization writeFrequency="1" frequencyUnits="fortnights"/></ModelSetup>` +
				`</AugustusConfiguration>`,
			want: ErrBadConfig,
		},
		{
			name: "not xml",
			doc:  `{"config": true}`,
			want: ErrBadConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckpointInterval(t *testing.T) {
	assert.Equal(t, 5*time.Minute, (&Serialization{WriteFrequency: 5, FrequencyUnits: "M"}).CheckpointInterval())
	assert.Equal(t, 2*time.Hour, (&Serialization{WriteFrequency: 2, FrequencyUnits: "H"}).CheckpointInterval())
	assert.Equal(t, 24*time.Hour, (&Serialization{WriteFrequency: 1, FrequencyUnits: "d"}).CheckpointInterval())
}

func TestEnvOverridesLogLevel(t *testing.T) {
	doc, err := Load(strings.NewReader(
		`<AugustusConfiguration><DataInput><FromStandardIn format="CSV"/></DataInput></AugustusConfiguration>`))
	require.NoError(t, err)

	t.Setenv("SCOREFLOW_LOG_LEVEL", "error")
	assert.Equal(t, slog.LevelError, doc.LogLevel())
}
