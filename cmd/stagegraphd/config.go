package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagegraph/flowengine/engine/config"
)

// StageConfig declares one stage within a PipelineConfig, resolved
// against this binary's small built-in stage-kind catalog (stages.go)
// rather than against arbitrary user code — a YAML-declarative
// pipeline can only compose stage behaviors this process already
// knows how to build.
type StageConfig struct {
	Name       string        `yaml:"name"`
	Kind       string        `yaml:"kind"`
	Retryable  bool          `yaml:"retryable"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
	// Path is consulted by the "lookup" stage kind: a dot-separated
	// path into the incoming map[string]any input.
	Path string `yaml:"path,omitempty"`
}

// PipelineConfig is one named pipeline definition: options plus an
// ordered stage list, mirroring engine/pipeline.Builder's own
// AddStage-in-order contract.
type PipelineConfig struct {
	Options *config.PipelineOptions `yaml:"options"`
	Stages  []StageConfig           `yaml:"stages"`
}

// ScheduleConfig is the YAML form of an engine/schedule.ScheduleEntry.
type ScheduleConfig struct {
	ID         string        `yaml:"id"`
	Pipeline   string        `yaml:"pipeline"`
	Trigger    string        `yaml:"trigger"` // cron|interval|delay
	Cron       string        `yaml:"cron,omitempty"`
	Interval   time.Duration `yaml:"interval,omitempty"`
	Delay      time.Duration `yaml:"delay,omitempty"`
	DependsOn  []string      `yaml:"depends_on,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// ServerConfig configures the worker-transport listener and the
// metrics/health HTTP endpoints.
type ServerConfig struct {
	Address    string `yaml:"address"`
	HTTPAddr   string `yaml:"http_addr"`
	OTLPTarget string `yaml:"otlp_target"`
}

// Config is the top-level declarative deployment: every pipeline this
// process can run, every schedule that drives one automatically, and
// the server's listen addresses.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Pipelines map[string]*PipelineConfig `yaml:"pipelines"`
	Schedules []ScheduleConfig          `yaml:"schedules"`
}

// LoadConfig reads and parses a YAML deployment file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stagegraphd: read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("stagegraphd: parse config %s: %w", path, err)
	}
	return cfg, nil
}
