// Package alias provides input field-name aliasing.
//
// Different event sources name the same field differently (a CSV header
// "cust_id", a JSON key "customerId") while the model document declares one
// canonical name. This package loads pattern-based rename rules from an
// optional YAML file and resolves incoming record keys to the names the
// data dictionary declares.
//
// Example configuration (.scoreflow.yaml):
//
//	field_patterns:
//	  - pattern: "sensor.{name}"
//	    canonical: "{name}"
//	  - pattern: "cust_id"
//	    canonical: "customerId"
//
// Patterns are evaluated in order; first match wins. {variable} captures
// any characters except ".", {variable*} captures everything.
package alias

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scoreflow-io/scoreflow/internal/config"
)

type (
	// FieldPattern is one rename rule.
	FieldPattern struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}

	// Config holds the rules loaded from the YAML file.
	Config struct {
		FieldPatterns []FieldPattern `yaml:"field_patterns"`
	}

	compiledPattern struct {
		regex     *regexp.Regexp
		canonical string
		variables []string
	}

	// Resolver maps incoming field names to canonical names. Immutable
	// after construction and safe for concurrent use.
	Resolver struct {
		patterns []compiledPattern
	}
)

const (
	// DefaultConfigPath is the default rule file location.
	DefaultConfigPath = ".scoreflow.yaml"

	// ConfigPathEnvVar overrides the rule file location.
	ConfigPathEnvVar = "SCOREFLOW_ALIAS_CONFIG"
)

// ErrBadPattern indicates a rule that does not compile.
var ErrBadPattern = errors.New("bad field pattern")

var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// LoadConfig loads rules from the configured path. An absent file is an
// empty config, not an error; invalid YAML degrades to an empty config
// with a warning, so aliasing stays optional.
func LoadConfig(logger *slog.Logger) Config {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot read alias configuration", slog.String("path", path), slog.String("error", err.Error()))
		}
		return Config{}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logger.Warn("invalid alias configuration, continuing without aliases",
			slog.String("path", path), slog.String("error", err.Error()))
		return Config{}
	}
	return cfg
}

// NewResolver compiles the rules. Rules that do not compile fail loudly;
// a silently dropped rename corrupts every downstream field lookup.
func NewResolver(cfg Config) (*Resolver, error) {
	r := &Resolver{}
	for _, p := range cfg.FieldPatterns {
		re, vars, err := compilePattern(p.Pattern)
		if err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, compiledPattern{regex: re, canonical: p.Canonical, variables: vars})
	}
	return r, nil
}

func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	if pattern == "" {
		return nil, nil, fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}

	var variables []string
	escaped := regexp.QuoteMeta(pattern)

	for _, match := range variableRegex.FindAllStringSubmatch(pattern, -1) {
		full, name := match[0], match[1]
		variables = append(variables, name)

		capture := `(?P<` + name + `>[^.]+)`
		if strings.HasSuffix(full, "*}") {
			capture = `(?P<` + name + `>.+)`
		}
		escaped = strings.Replace(escaped, regexp.QuoteMeta(full), capture, 1)
	}

	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q: %v", ErrBadPattern, pattern, err)
	}
	return re, variables, nil
}

// Resolve maps one incoming field name. Names matching no rule pass
// through unchanged.
func (r *Resolver) Resolve(name string) string {
	for _, p := range r.patterns {
		m := p.regex.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		out := p.canonical
		for i, v := range p.variables {
			out = strings.ReplaceAll(out, "{"+v+"}", m[i+1])
			out = strings.ReplaceAll(out, "{"+v+"*}", m[i+1])
		}
		return out
	}
	return name
}

// ResolveRecord renames every key of a raw record.
func (r *Resolver) ResolveRecord(record map[string]any) map[string]any {
	if len(r.patterns) == 0 {
		return record
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[r.Resolve(k)] = v
	}
	return out
}
