// Package main provides the scoreflow scoring driver.
//
// The driver reads an AugustusConfiguration document, selects and binds a
// model document, streams events from the configured source through the
// scoring engine, and writes scores to the configured sink. Producers run
// alongside scoring when the model setup asks for them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/scoreflow-io/scoreflow/internal/alias"
	"github.com/scoreflow-io/scoreflow/internal/config"
	"github.com/scoreflow-io/scoreflow/internal/engine"
	"github.com/scoreflow-io/scoreflow/internal/input"
	"github.com/scoreflow-io/scoreflow/internal/output"
	"github.com/scoreflow-io/scoreflow/internal/pmml"
	"github.com/scoreflow-io/scoreflow/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "scoreflow"
)

// Exit codes: distinct classes so operators can tell a bad configuration
// from a bad model from a dead input.
const (
	exitOK          = 0
	exitConfig      = 2
	exitModel       = 3
	exitIO          = 4
	exitProducerErr = 5
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	configPath := flag.String("config", "", "path to the configuration document")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(exitOK)
	}
	if *configPath == "" {
		log.Println("usage: scoreflow -config CONFIG.xml")
		os.Exit(exitConfig)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(exitConfig)
	}

	logger := newLogger(cfg)
	logger.Info("starting scoring driver",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("config", *configPath),
	)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Document, logger *slog.Logger) int {
	modelPath, err := selectModel(cfg.ModelInput)
	if err != nil {
		logger.Error("model selection failed", slog.String("error", err.Error()))
		return exitModel
	}
	logger.Info("model selected", slog.String("path", modelPath))

	modelFile, err := os.Open(modelPath)
	if err != nil {
		logger.Error("cannot open model document", slog.String("error", err.Error()))
		return exitIO
	}
	doc, err := pmml.Parse(modelFile)
	_ = modelFile.Close()
	if err != nil {
		logger.Error("model document rejected", slog.String("error", err.Error()))
		return exitModel
	}

	eng, err := engine.New(cfg, doc, logger)
	if err != nil {
		if errors.Is(err, engine.ErrRuntimeConfiguration) {
			logger.Error("producer configuration rejected", slog.String("error", err.Error()))
			return exitConfig
		}
		logger.Error("model does not bind", slog.String("error", err.Error()))
		return exitModel
	}

	source, err := openSource(cfg, logger)
	if err != nil {
		logger.Error("cannot open event source", slog.String("error", err.Error()))
		return exitIO
	}
	defer source.Close()

	writer, err := openWriter(cfg)
	if err != nil {
		logger.Error("cannot open score sink", slog.String("error", err.Error()))
		return exitIO
	}
	defer writer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &engine.Runner{
		Engine: eng,
		Source: source,
		Writer: writer,
		Logger: logger,
	}

	if cfg.Custom != nil && cfg.Custom.Storage != nil {
		store, err := storage.Connect(ctx, cfg.Custom.Storage.Connect)
		if err != nil {
			logger.Error("persistent storage rejected", slog.String("error", err.Error()))
			return exitConfig
		}
		defer store.Close()
		runner.Store = store
	}

	if err := runner.Run(ctx); err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		if errors.Is(err, engine.ErrRuntimeConfiguration) {
			return exitProducerErr
		}
		return exitIO
	}

	logger.Info("run complete")
	return exitOK
}

func newLogger(cfg *config.Document) *slog.Logger {
	sink := os.Stderr
	if cfg.Logging != nil {
		switch {
		case cfg.Logging.ToStdout != nil:
			sink = os.Stdout
		case cfg.Logging.ToFile != nil:
			if f, err := os.OpenFile(cfg.Logging.ToFile.Name,
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				sink = f
			}
		}
	}
	return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: cfg.LogLevel()}))
}

// selectModel resolves the fileLocation glob and applies the configured
// selection mode: lastAlphabetic or mostRecent.
func selectModel(mi config.ModelInput) (string, error) {
	if mi.FileLocation == "" {
		return "", fmt.Errorf("no ModelInput fileLocation configured")
	}

	matches, err := filepath.Glob(mi.FileLocation)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no model document matches %q", mi.FileLocation)
	}

	switch mi.SelectMode {
	case "mostRecent":
		sort.Slice(matches, func(i, j int) bool {
			return modTime(matches[i]).Before(modTime(matches[j]))
		})
	default: // lastAlphabetic
		sort.Strings(matches)
	}
	return matches[len(matches)-1], nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func openSource(cfg *config.Document, logger *slog.Logger) (input.Source, error) {
	aliasResolver, err := alias.NewResolver(alias.LoadConfig(logger))
	if err != nil {
		return nil, err
	}

	var src input.Source
	switch {
	case cfg.DataInput.FromFile != nil:
		f, err := os.Open(cfg.DataInput.FromFile.Name)
		if err != nil {
			return nil, err
		}
		src, err = input.Open(cfg.DataInput.FromFile.Format, f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}

	case cfg.DataInput.FromStdin != nil, cfg.DataInput.Interactive != nil:
		format := "CSV"
		if cfg.DataInput.FromStdin != nil {
			format = cfg.DataInput.FromStdin.Format
		}
		src, err = input.Open(format, os.Stdin)
		if err != nil {
			return nil, err
		}

	case cfg.DataInput.FromHTTP != nil:
		httpCfg := input.HTTPConfig{
			Host:              cfg.DataInput.FromHTTP.Host,
			Port:              cfg.DataInput.FromHTTP.Port,
			RequestsPerSecond: cfg.DataInput.FromHTTP.RequestsPerSec,
		}
		if keyFile := cfg.DataInput.FromHTTP.AuthKeyFile; keyFile != "" {
			hash, err := os.ReadFile(keyFile)
			if err != nil {
				return nil, err
			}
			httpCfg.APIKeyHash = []byte(strings.TrimSpace(string(hash)))
		}
		src, err = input.NewHTTPSource(httpCfg, logger)
		if err != nil {
			return nil, err
		}

	case cfg.DataInput.FromKafka != nil:
		src = input.NewKafkaSource(input.KafkaConfig{
			Brokers: config.ParseCommaSeparatedList(cfg.DataInput.FromKafka.Brokers),
			Topic:   cfg.DataInput.FromKafka.Topic,
			GroupID: cfg.DataInput.FromKafka.GroupID,
		}, logger)

	default:
		return nil, config.ErrNoDataInput
	}

	return aliasedSource{Source: src, resolver: aliasResolver}, nil
}

// aliasedSource applies field-name aliasing to every record.
type aliasedSource struct {
	input.Source
	resolver *alias.Resolver
}

func (s aliasedSource) Next(ctx context.Context) (input.Record, error) {
	record, err := s.Source.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.resolver.ResolveRecord(record), nil
}

func openWriter(cfg *config.Document) (output.Writer, error) {
	var sink io.WriteCloser
	switch {
	case cfg.Output.ToFile != nil:
		f, err := os.Create(cfg.Output.ToFile.Name)
		if err != nil {
			return nil, err
		}
		sink = f
	case cfg.Output.ToStderr != nil:
		sink = output.NopWriteCloser(os.Stderr)
	default:
		sink = output.NopWriteCloser(os.Stdout)
	}
	return output.New(cfg.Output.Type, sink, cfg.Output.EventTag, cfg.Output.ReportTag)
}
