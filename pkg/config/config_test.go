// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/policy"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.ExecutionMode)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.LoopInterval.Std())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haven.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
execution_mode: remote
loop_interval: 30s
server:
  port: 9090
policy:
  max_steps: 5
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.ExecutionMode)
	assert.Equal(t, 30*time.Second, cfg.LoopInterval.Std())
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Policy.MaxSteps)
	assert.Equal(t, policy.DefaultConfig().RateLimitMax, cfg.Policy.RateLimitMax)
}

func TestLoad_EnvBeatsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haven.yaml")
	require.NoError(t, os.WriteFile(path, []byte("execution_mode: remote\n"), 0644))
	t.Setenv("HAVEN_EXECUTION_MODE", "local")
	t.Setenv("HAVEN_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.ExecutionMode)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haven.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
