package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Sentinel errors for configuration loading.
var (
	// ErrBadConfig indicates a configuration document outside the
	// recognized option surface.
	ErrBadConfig = errors.New("bad configuration")

	// ErrNoDataInput indicates a configuration without an event source.
	ErrNoDataInput = errors.New("no DataInput source configured")
)

type (
	// Document is the parsed AugustusConfiguration driver configuration.
	Document struct {
		XMLName xml.Name `xml:"AugustusConfiguration"`

		Logging     *Logging     `xml:"Logging"`
		ModelInput  ModelInput   `xml:"ModelInput"`
		DataInput   DataInput    `xml:"DataInput"`
		EventSet    *EventSettings `xml:"EventSettings"`
		Aggregation *AggregationSettings `xml:"AggregationSettings"`
		Output      Output       `xml:"Output"`
		ModelSetup  ModelSetup   `xml:"ModelSetup"`

		Segmentation *SegmentationSchema `xml:"SegmentationSchema"`
		Custom       *CustomProcessing   `xml:"CustomProcessing"`
	}

	// Logging selects the sink and level, with optional per-stage
	// overrides.
	Logging struct {
		Level    string       `xml:"level,attr"`
		ToFile   *SinkFile    `xml:"ToFile"`
		ToStderr *struct{}    `xml:"ToStandardError"`
		ToStdout *struct{}    `xml:"ToStandardOut"`
		Stages   []StageLevel `xml:"Stage"`
	}

	// StageLevel overrides the level of one pipeline stage.
	StageLevel struct {
		Name  string `xml:"name,attr"`
		Level string `xml:"level,attr"`
	}

	// SinkFile is a file sink declaration.
	SinkFile struct {
		Name string `xml:"name,attr"`
	}

	// ModelInput locates the model document.
	ModelInput struct {
		FileLocation      string `xml:"fileLocation,attr"`
		SelectMode        string `xml:"selectmode,attr"` // lastAlphabetic | mostRecent
		MaturityThreshold int    `xml:"maturityThreshold,attr"`
	}

	// DataInput selects the event source. Exactly one child must be set.
	DataInput struct {
		FromFile    *FromFile    `xml:"FromFile"`
		FromStdin   *FromStdin   `xml:"FromStandardIn"`
		FromHTTP    *FromHTTP    `xml:"FromHTTP"`
		FromKafka   *FromKafka   `xml:"FromKafka"`
		Interactive *struct{}    `xml:"Interactive"`
	}

	// FromFile reads framed events from a file.
	FromFile struct {
		Name   string `xml:"name,attr"`
		Format string `xml:"format,attr"` // XML | CSV | JSON
	}

	// FromStdin reads framed events from standard input.
	FromStdin struct {
		Format string `xml:"format,attr"`
	}

	// FromHTTP receives events over HTTP POST.
	FromHTTP struct {
		Host           string `xml:"host,attr"`
		Port           int    `xml:"port,attr"`
		Format         string `xml:"format,attr"`
		AuthKeyFile    string `xml:"authKeyFile,attr"`
		RequestsPerSec int    `xml:"requestsPerSecond,attr"`
	}

	// FromKafka consumes events from a Kafka topic.
	FromKafka struct {
		Brokers string `xml:"brokers,attr"`
		Topic   string `xml:"topic,attr"`
		GroupID string `xml:"groupId,attr"`
		Format  string `xml:"format,attr"`
	}

	// EventSettings toggles per-event score emission.
	EventSettings struct {
		Score  bool `xml:"score,attr"`
		Output bool `xml:"output,attr"`
	}

	// AggregationSettings selects when aggregate scores are emitted.
	AggregationSettings struct {
		Score               bool   `xml:"score,attr"`
		Output              bool   `xml:"output,attr"`
		AtEnd               bool   `xml:"atEnd,attr"`
		EventNumberInterval int64  `xml:"eventNumberInterval,attr"`
		FieldValueInterval  int64  `xml:"fieldValueInterval,attr"`
		Field               string `xml:"field,attr"`
	}

	// Output selects the score sink and framing.
	Output struct {
		Type      string    `xml:"type,attr"` // XML | JSON
		ToFile    *SinkFile `xml:"ToFile"`
		ToStderr  *struct{} `xml:"ToStandardError"`
		ToStdout  *struct{} `xml:"ToStandardOut"`
		EventTag  string    `xml:"EventTag"`
		ReportTag string    `xml:"ReportTag"`
	}

	// ModelSetup selects producer mode and algorithm.
	ModelSetup struct {
		Mode           string             `xml:"mode,attr"`        // lockExisting | replaceExisting | updateExisting
		UpdateEvery    string             `xml:"updateEvery,attr"` // event | aggregate | both
		OutputFilename string             `xml:"outputFilename,attr"`
		Producer       *ProducerAlgorithm `xml:"ProducerAlgorithm"`
		Serialization  *Serialization     `xml:"Serialization"`
	}

	// ProducerAlgorithm selects the producer and its knobs.
	ProducerAlgorithm struct {
		Model      string      `xml:"model,attr"`
		Algorithm  string      `xml:"algorithm,attr"`
		Parameters []Parameter `xml:"Parameter"`
	}

	// Parameter is one producer knob.
	Parameter struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	}

	// Serialization configures periodic producer checkpoints.
	Serialization struct {
		WriteFrequency int64  `xml:"writeFrequency,attr"`
		FrequencyUnits string `xml:"frequencyUnits,attr"` // M | H | d | observations
		Storage        string `xml:"storage,attr"`        // asPMML | asSnapshot
	}

	// SegmentationSchema routes events to model partitions.
	SegmentationSchema struct {
		Specific    []Segment `xml:"SpecificSegments>Segment"`
		Blacklisted []Segment `xml:"BlacklistedSegments>Segment"`
		Generic     []Segment `xml:"GenericSegments>Segment"`
	}

	// Segment is one routing declaration.
	Segment struct {
		Enumerated  []EnumeratedDimension  `xml:"EnumeratedDimension"`
		Partitioned []PartitionedDimension `xml:"PartitionedDimension"`
	}

	// EnumeratedDimension selects by value equality.
	EnumeratedDimension struct {
		Field      string      `xml:"field,attr"`
		Selections []Selection `xml:"Selection"`
	}

	// Selection is one enumerated choice.
	Selection struct {
		Value    string `xml:"value,attr"`
		Operator string `xml:"operator,attr"` // equal | notEqual
	}

	// PartitionedDimension selects by numeric range.
	PartitionedDimension struct {
		Field      string      `xml:"field,attr"`
		Partitions []Partition `xml:"Partition"`
	}

	// Partition is one range cell.
	Partition struct {
		Low       *float64 `xml:"low,attr"`
		High      *float64 `xml:"high,attr"`
		Closure   string   `xml:"closure,attr"`
		Divisions int      `xml:"divisions,attr"`
	}

	// CustomProcessing declares host-side lifecycle hooks and their
	// persistent storage.
	CustomProcessing struct {
		Action    string             `xml:"action,attr"`
		Begin     string             `xml:"begin,attr"`
		End       string             `xml:"end,attr"`
		Exception string             `xml:"exception,attr"`
		Storage   *PersistentStorage `xml:"PersistentStorage"`
	}

	// PersistentStorage names the state store: PROTOCOL://ADDRESS.
	PersistentStorage struct {
		Connect string `xml:"connect,attr"`
	}
)

// Load parses and validates a configuration document.
func Load(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	doc := &Document{}
	if err := xml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	doc.applyDefaults()
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile opens and parses a configuration file.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	defer f.Close()
	return Load(f)
}

func (d *Document) applyDefaults() {
	if d.ModelInput.SelectMode == "" {
		d.ModelInput.SelectMode = "lastAlphabetic"
	}
	if d.Output.Type == "" {
		d.Output.Type = "XML"
	}
	if d.Output.EventTag == "" {
		d.Output.EventTag = "Event"
	}
	if d.Output.ReportTag == "" {
		d.Output.ReportTag = "Report"
	}
	if d.ModelSetup.Mode == "" {
		d.ModelSetup.Mode = "lockExisting"
	}
	if d.ModelSetup.UpdateEvery == "" {
		d.ModelSetup.UpdateEvery = "event"
	}
	if d.EventSet == nil {
		d.EventSet = &EventSettings{Score: true, Output: true}
	}
	if d.Segmentation == nil {
		d.Segmentation = &SegmentationSchema{}
	}
}

func (d *Document) validate() error {
	sources := 0
	for _, present := range []bool{
		d.DataInput.FromFile != nil,
		d.DataInput.FromStdin != nil,
		d.DataInput.FromHTTP != nil,
		d.DataInput.FromKafka != nil,
		d.DataInput.Interactive != nil,
	} {
		if present {
			sources++
		}
	}
	if sources == 0 {
		return ErrNoDataInput
	}
	if sources > 1 {
		return fmt.Errorf("%w: multiple DataInput sources", ErrBadConfig)
	}

	switch d.ModelSetup.Mode {
	case "lockExisting", "replaceExisting", "updateExisting":
	default:
		return fmt.Errorf("%w: ModelSetup mode %q", ErrBadConfig, d.ModelSetup.Mode)
	}
	switch d.ModelSetup.UpdateEvery {
	case "event", "aggregate", "both":
	default:
		return fmt.Errorf("%w: updateEvery %q", ErrBadConfig, d.ModelSetup.UpdateEvery)
	}
	switch d.ModelInput.SelectMode {
	case "lastAlphabetic", "mostRecent":
	default:
		return fmt.Errorf("%w: selectmode %q", ErrBadConfig, d.ModelInput.SelectMode)
	}
	switch d.Output.Type {
	case "XML", "JSON":
	default:
		return fmt.Errorf("%w: output type %q", ErrBadConfig, d.Output.Type)
	}

	if s := d.ModelSetup.Serialization; s != nil {
		switch s.FrequencyUnits {
		case "M", "H", "d", "observations":
		default:
			return fmt.Errorf("%w: frequencyUnits %q", ErrBadConfig, s.FrequencyUnits)
		}
		switch s.Storage {
		case "", "asPMML", "asSnapshot":
		default:
			return fmt.Errorf("%w: serialization storage %q", ErrBadConfig, s.Storage)
		}
	}

	return nil
}

// LogLevel resolves the configured level, with the SCOREFLOW_LOG_LEVEL
// environment variable taking precedence.
func (d *Document) LogLevel() slog.Level {
	fallback := slog.LevelInfo
	if d.Logging != nil {
		switch d.Logging.Level {
		case "DEBUG":
			fallback = slog.LevelDebug
		case "INFO":
			fallback = slog.LevelInfo
		case "WARNING":
			fallback = slog.LevelWarn
		case "ERROR":
			fallback = slog.LevelError
		}
	}
	return GetEnvLogLevel("SCOREFLOW_LOG_LEVEL", fallback)
}

// CheckpointInterval converts the serialization frequency to a duration;
// observation-counted checkpoints return zero and are handled by count.
func (s *Serialization) CheckpointInterval() time.Duration {
	switch s.FrequencyUnits {
	case "M":
		return time.Duration(s.WriteFrequency) * time.Minute
	case "H":
		return time.Duration(s.WriteFrequency) * time.Hour
	case "d":
		return time.Duration(s.WriteFrequency) * 24 * time.Hour
	default:
		return 0
	}
}
