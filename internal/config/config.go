// Package config loads the run configuration file, applies defaults, and
// resolves credentials from the environment.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig identifies one side of the migration. Passwords never live
// in the config file; PasswordEnv names the variable that holds one.
type DatabaseConfig struct {
	Type        string `json:"type" yaml:"type"`
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Database    string `json:"database" yaml:"database"`
	Schema      string `json:"schema" yaml:"schema"`
	User        string `json:"user,omitempty" yaml:"user,omitempty"`
	PasswordEnv string `json:"password_env,omitempty" yaml:"password_env,omitempty"`
	Account     string `json:"account,omitempty" yaml:"account,omitempty"`
	Warehouse   string `json:"warehouse,omitempty" yaml:"warehouse,omitempty"`
	Role        string `json:"role,omitempty" yaml:"role,omitempty"`
}

// Password resolves the configured password variable, empty when unset.
func (d DatabaseConfig) Password() string {
	if d.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(d.PasswordEnv)
}

type LLMConfig struct {
	Provider        string `json:"provider" yaml:"provider"`
	Deployment      string `json:"deployment" yaml:"deployment"`
	APIVersion      string `json:"api_version,omitempty" yaml:"api_version,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	MaxTokens       int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxEmptyRetries int    `json:"max_empty_retries,omitempty" yaml:"max_empty_retries,omitempty"`
}

type DiscoveryConfig struct {
	MaxIterations        int `json:"max_iterations" yaml:"max_iterations"`
	StableRoundsRequired int `json:"stable_rounds_required" yaml:"stable_rounds_required"`
	ContextWindow        int `json:"context_window" yaml:"context_window"`
}

type PlannerConfig struct {
	DebateRounds  int `json:"debate_rounds" yaml:"debate_rounds"`
	ContextWindow int `json:"context_window" yaml:"context_window"`
}

type WorkerConfig struct {
	MaxAttempts   int `json:"max_attempts" yaml:"max_attempts"`
	ContextWindow int `json:"context_window" yaml:"context_window"`
}

type KernelConfig struct {
	Interpreter    []string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	StartTimeoutMS int      `json:"start_timeout_ms" yaml:"start_timeout_ms"`
	ExecTimeoutMS  int      `json:"exec_timeout_ms" yaml:"exec_timeout_ms"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// Instructions is optional free-form prose about the migration; the
	// discovery phase mines it for connection details the structured config
	// leaves out.
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	Source DatabaseConfig `json:"source" yaml:"source"`
	Target DatabaseConfig `json:"target" yaml:"target"`

	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Discovery DiscoveryConfig `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	Planner   PlannerConfig   `json:"planner,omitempty" yaml:"planner,omitempty"`
	Worker    WorkerConfig    `json:"worker,omitempty" yaml:"worker,omitempty"`
	Kernel    KernelConfig    `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	Server    ServerConfig    `json:"server,omitempty" yaml:"server,omitempty"`
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
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

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
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

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = "migration_output"
	}
	if strings.TrimSpace(cfg.LLM.Provider) == "" {
		cfg.LLM.Provider = "azure"
	}
	if cfg.LLM.MaxEmptyRetries == 0 {
		cfg.LLM.MaxEmptyRetries = 3
	}
	if strings.TrimSpace(cfg.LLM.ReasoningEffort) == "" {
		cfg.LLM.ReasoningEffort = "medium"
	}
	if cfg.Discovery.MaxIterations == 0 {
		cfg.Discovery.MaxIterations = 10
	}
	if cfg.Discovery.StableRoundsRequired == 0 {
		cfg.Discovery.StableRoundsRequired = 2
	}
	if cfg.Discovery.ContextWindow == 0 {
		cfg.Discovery.ContextWindow = 8
	}
	if cfg.Planner.DebateRounds == 0 {
		cfg.Planner.DebateRounds = 2
	}
	if cfg.Planner.ContextWindow == 0 {
		cfg.Planner.ContextWindow = 8
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 7
	}
	if cfg.Worker.ContextWindow == 0 {
		cfg.Worker.ContextWindow = 4
	}
	if cfg.Kernel.StartTimeoutMS == 0 {
		cfg.Kernel.StartTimeoutMS = 30000
	}
	if cfg.Kernel.ExecTimeoutMS == 0 {
		cfg.Kernel.ExecTimeoutMS = 600000 // 10 minutes
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = ":8099"
	}
	if strings.TrimSpace(cfg.Source.Schema) == "" {
		cfg.Source.Schema = "public"
	}
	if strings.TrimSpace(cfg.Target.Schema) == "" {
		cfg.Target.Schema = "PUBLIC"
	}
	cfg.Target.Schema = strings.ToUpper(cfg.Target.Schema)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.LLM.Deployment) == "" {
		return fmt.Errorf("llm.deployment is required")
	}
	if strings.TrimSpace(cfg.Source.Type) == "" {
		return fmt.Errorf("source.type is required")
	}
	if strings.TrimSpace(cfg.Target.Type) == "" {
		return fmt.Errorf("target.type is required")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if cfg.Discovery.MaxIterations < 1 {
		return fmt.Errorf("discovery.max_iterations must be >= 1")
	}
	if cfg.Discovery.StableRoundsRequired < 1 {
		return fmt.Errorf("discovery.stable_rounds_required must be >= 1")
	}
	if cfg.Discovery.StableRoundsRequired > cfg.Discovery.MaxIterations {
		return fmt.Errorf("discovery.stable_rounds_required must be <= discovery.max_iterations")
	}
	if cfg.Planner.DebateRounds < 0 {
		return fmt.Errorf("planner.debate_rounds must be >= 0")
	}
	if cfg.Kernel.StartTimeoutMS < 0 || cfg.Kernel.ExecTimeoutMS < 0 {
		return fmt.Errorf("kernel timeouts must be >= 0")
	}
	return nil
}
