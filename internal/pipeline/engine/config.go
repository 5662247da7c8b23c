package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const (
	defaultServer           = "common"
	defaultTimeout          = 30 * time.Second
	defaultRetryCount       = 3
	defaultQualityThreshold = 0.8
)

// Mode selects the ability ordering strategy for a stage.
type Mode string

const (
	ModeDeterministic    Mode = "deterministic"
	ModeNonDeterministic Mode = "non_deterministic"
	ModeAdaptive         Mode = "adaptive"
)

// ParseMode normalizes a configured mode string. The empty string means
// deterministic; anything unrecognized falls back to adaptive so a typo
// degrades to the most permissive strategy instead of failing the load.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deterministic", "sequential":
		return ModeDeterministic
	case "non_deterministic", "nondeterministic", "random":
		return ModeNonDeterministic
	default:
		return ModeAdaptive
	}
}

// StageConfig describes one stage of the pipeline.
type StageConfig struct {
	Name             string   `json:"name" yaml:"name"`
	Abilities        []string `json:"abilities" yaml:"abilities"`
	Mode             string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Server           string   `json:"server,omitempty" yaml:"server,omitempty"`
	TimeoutMS        int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryCount       int      `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty" yaml:"quality_threshold,omitempty"`
	Validations      []string `json:"validations,omitempty" yaml:"validations,omitempty"`

	timeout time.Duration
}

// Timeout returns the per-ability attempt timeout for the stage.
func (s *StageConfig) Timeout() time.Duration {
	if s.timeout <= 0 {
		return defaultTimeout
	}
	return s.timeout
}

// Threshold returns the configured quality threshold or the default.
func (s *StageConfig) Threshold() float64 {
	if s.QualityThreshold != nil {
		return *s.QualityThreshold
	}
	return defaultQualityThreshold
}

// PipelineConfig is the top-level pipeline description loaded from a
// YAML or JSON file.
type PipelineConfig struct {
	Workflow struct {
		Name string `json:"name" yaml:"name"`
	} `json:"workflow" yaml:"workflow"`
	Stages []StageConfig `json:"stages" yaml:"stages"`
}

// configSchema guards shape errors the Go decoder tolerates, like a
// non-array abilities field or a stage with an empty name.
const configSchema = `{
	"type": "object",
	"required": ["stages"],
	"properties": {
		"workflow": {
			"type": "object",
			"properties": {"name": {"type": "string"}}
		},
		"stages": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "abilities"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"abilities": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "minLength": 1}
					},
					"mode": {"type": "string"},
					"server": {"type": "string"},
					"timeout_ms": {"type": "integer", "minimum": 0},
					"retry_count": {"type": "integer", "minimum": 1},
					"quality_threshold": {"type": "number", "minimum": 0, "maximum": 1},
					"validations": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

var compiledConfigSchema = jsonschema.MustCompileString("pipeline.schema.json", configSchema)

// LoadPipelineConfig reads, strictly decodes, schema-validates, and
// defaults a pipeline config file. JSON for .json paths, YAML otherwise.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg PipelineConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := validateConfigSchema(&cfg); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *PipelineConfig) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *PipelineConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// validateConfigSchema round-trips the config through JSON so the schema
// sees the same document shape the decoder accepted.
func validateConfigSchema(cfg *PipelineConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := compiledConfigSchema.Validate(doc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

func applyConfigDefaults(cfg *PipelineConfig) {
	if cfg == nil {
		return
	}
	if cfg.Workflow.Name == "" {
		cfg.Workflow.Name = "case-pipeline"
	}
	for i := range cfg.Stages {
		st := &cfg.Stages[i]
		if st.Server == "" {
			st.Server = defaultServer
		}
		if st.RetryCount == 0 {
			st.RetryCount = defaultRetryCount
		}
		if st.TimeoutMS == 0 {
			st.timeout = defaultTimeout
		} else {
			st.timeout = time.Duration(st.TimeoutMS) * time.Millisecond
		}
	}
}

func validateConfig(cfg *PipelineConfig) error {
	seen := make(map[string]bool, len(cfg.Stages))
	for i := range cfg.Stages {
		st := &cfg.Stages[i]
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
		if st.RetryCount < 1 {
			return fmt.Errorf("stage %q: retry_count must be at least 1", st.Name)
		}
		if t := st.Threshold(); t < 0 || t > 1 {
			return fmt.Errorf("stage %q: quality_threshold %v out of range [0,1]", st.Name, t)
		}
	}
	return nil
}
