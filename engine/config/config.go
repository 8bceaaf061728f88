// Package config provides declarative pipeline/stage configuration,
// adapted from the teacher's coreengine/config package (AgentConfig/
// PipelineConfig): validated structs with JSON tags so pipelines can
// be defined data-first instead of only via the fluent builder.
package config

import (
	"fmt"
	"time"
)

// PipelineOptions are the recognized keys from §6, all optional except
// Name.
type PipelineOptions struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// DefaultTimeout applies when a stage omits its own timeout.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// ContinueOnError: if true, failed stages do not abort the
	// sequence.
	ContinueOnError bool `json:"continue_on_error" yaml:"continue_on_error"`

	// MaxConcurrency is the default for parallel combinators declared
	// inside this pipeline.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	EnableCaching bool          `json:"enable_caching" yaml:"enable_caching"`
	CacheTTL      time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// EnableStreaming: if true, event emission to a supplied callback
	// is enabled.
	EnableStreaming bool `json:"enable_streaming" yaml:"enable_streaming"`
}

// DefaultPipelineOptions returns the spec's documented defaults.
func DefaultPipelineOptions(name string) *PipelineOptions {
	return &PipelineOptions{
		Name:           name,
		DefaultTimeout: 300_000 * time.Millisecond,
		CacheTTL:       3_600_000 * time.Millisecond,
	}
}

// Validate checks the required fields.
func (o *PipelineOptions) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("PipelineOptions.Name is required")
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 300_000 * time.Millisecond
	}
	if o.CacheTTL <= 0 && o.EnableCaching {
		o.CacheTTL = 3_600_000 * time.Millisecond
	}
	return nil
}

// StageDefinition is the declarative, serializable form of an
// engine.Stage's non-function attributes — adapted from AgentConfig.
// A StageDefinition alone cannot run (it has no Execute func); it is
// used to validate and describe a pipeline shape loaded from a file,
// with the Execute/Validate/Cleanup funcs supplied separately by the
// embedding application through a registry.
type StageDefinition struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Retryable   bool          `json:"retryable" yaml:"retryable"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`

	NoCheckpoint bool `json:"no_checkpoint,omitempty" yaml:"no_checkpoint,omitempty"`
	NoCache      bool `json:"no_cache,omitempty" yaml:"no_cache,omitempty"`
}

// Validate validates one stage definition.
func (d *StageDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("StageDefinition.Name is required")
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("stage %q: MaxRetries must be >= 0", d.Name)
	}
	return nil
}

// PipelineDefinition is the full declarative shape of a pipeline: its
// options plus an ordered stage list. Adapted from PipelineConfig.
type PipelineDefinition struct {
	Options *PipelineOptions   `json:"options" yaml:"options"`
	Stages  []*StageDefinition `json:"stages" yaml:"stages"`
}

// Validate validates uniqueness of stage names and delegates to each
// stage/option's own Validate.
func (p *PipelineDefinition) Validate() error {
	if p.Options == nil {
		return fmt.Errorf("PipelineDefinition.Options is required")
	}
	if err := p.Options.Validate(); err != nil {
		return err
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q: at least one stage is required", p.Options.Name)
	}
	seen := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %q: duplicate stage name %q", p.Options.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// StageNames returns the declared stage order.
func (p *PipelineDefinition) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}
