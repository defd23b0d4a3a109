// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the Haven YAML configuration with environment
// overrides.
//
// Precedence: defaults < YAML file < HAVEN_* environment variables. A
// missing config file is not an error; defaults cover a single-box
// setup. Durations are written as Go duration strings ("30s", "1h").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/api"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/policy"
	"github.com/AleutianAI/AleutianHaven/services/worker/buffer"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full Haven configuration tree.
type Config struct {
	// DataDir is the BadgerDB directory for the control plane.
	DataDir string `yaml:"data_dir"`

	// ExecutionMode is "local" or "remote" (worker queue).
	ExecutionMode string `yaml:"execution_mode"`

	// LoopInterval is the detection tick period.
	LoopInterval Duration `yaml:"loop_interval"`

	// StepTimeout bounds each plugin call during execution.
	StepTimeout Duration `yaml:"step_timeout"`

	// NotifyBuffer is the outbound notification channel size.
	NotifyBuffer int `yaml:"notify_buffer"`

	// LogDir receives the log file; empty logs to stderr only.
	LogDir string `yaml:"log_dir"`

	// LogLevel is debug|info|warn|error.
	LogLevel string `yaml:"log_level"`

	Server ServerSection `yaml:"server"`
	Policy PolicySection `yaml:"policy"`
	Worker WorkerSection `yaml:"worker"`
}

// ServerSection configures the HTTP API.
type ServerSection struct {
	Port        int      `yaml:"port"`
	Debug       bool     `yaml:"debug"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// PolicySection mirrors the policy engine knobs.
type PolicySection struct {
	MaxSteps        int      `yaml:"max_steps"`
	AllowedActions  []string `yaml:"allowed_actions"`
	DenyPatterns    []string `yaml:"deny_patterns"`
	RateLimitWindow Duration `yaml:"rate_limit_window"`
	RateLimitMax    int      `yaml:"rate_limit_max"`
}

// WorkerSection configures the haven-worker binary.
type WorkerSection struct {
	ID                string   `yaml:"id"`
	SiteName          string   `yaml:"site_name"`
	ControlPlaneURL   string   `yaml:"control_plane_url"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PollInterval      Duration `yaml:"poll_interval"`
	SpoolDir          string   `yaml:"spool_dir"`
	SpoolMaxEntries   int      `yaml:"spool_max_entries"`
	SpoolMaxAge       Duration `yaml:"spool_max_age"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".haven")
	pol := policy.DefaultConfig()
	return Config{
		DataDir:       filepath.Join(base, "data"),
		ExecutionMode: "local",
		LoopInterval:  Duration(60 * time.Second),
		StepTimeout:   Duration(60 * time.Second),
		NotifyBuffer:  64,
		LogDir:        filepath.Join(base, "logs"),
		LogLevel:      "info",
		Server: ServerSection{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Policy: PolicySection{
			MaxSteps:        pol.MaxSteps,
			AllowedActions:  pol.AllowedActions,
			DenyPatterns:    pol.DenyPatterns,
			RateLimitWindow: Duration(pol.RateLimitWindow),
			RateLimitMax:    pol.RateLimitMax,
		},
		Worker: WorkerSection{
			SiteName:          "default",
			ControlPlaneURL:   "http://localhost:8080",
			HeartbeatInterval: Duration(30 * time.Second),
			PollInterval:      Duration(5 * time.Second),
			SpoolDir:          filepath.Join(base, "spool"),
			SpoolMaxEntries:   10000,
			SpoolMaxAge:       Duration(72 * time.Hour),
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// PolicyConfig converts the section to the engine's config type.
func (c Config) PolicyConfig() policy.Config {
	return policy.Config{
		MaxSteps:        c.Policy.MaxSteps,
		AllowedActions:  c.Policy.AllowedActions,
		DenyPatterns:    c.Policy.DenyPatterns,
		RateLimitWindow: c.Policy.RateLimitWindow.Std(),
		RateLimitMax:    c.Policy.RateLimitMax,
	}
}

// ServerConfig converts the section to the API server's config type.
func (c Config) ServerConfig() api.ServerConfig {
	srv := api.DefaultServerConfig()
	srv.Port = c.Server.Port
	srv.Debug = c.Server.Debug
	srv.CORSOrigins = c.Server.CORSOrigins
	return srv
}

// BufferConfig converts the worker section to the spool config.
func (c Config) BufferConfig() buffer.Config {
	return buffer.Config{
		Dir:        c.Worker.SpoolDir,
		MaxEntries: c.Worker.SpoolMaxEntries,
		MaxAge:     c.Worker.SpoolMaxAge.Std(),
	}
}

// applyEnv maps HAVEN_* variables onto the config. Only the knobs that
// differ per deployment get an override; everything else is YAML-only.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HAVEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HAVEN_EXECUTION_MODE"); v != "" {
		cfg.ExecutionMode = v
	}
	if v := os.Getenv("HAVEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HAVEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HAVEN_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("HAVEN_SITE_NAME"); v != "" {
		cfg.Worker.SiteName = v
	}
	if v := os.Getenv("HAVEN_CONTROL_PLANE_URL"); v != "" {
		cfg.Worker.ControlPlaneURL = v
	}
}
