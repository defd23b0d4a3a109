// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

func TestPushObserver_LatestObservationWinsPerResource(t *testing.T) {
	obs := NewPushObserver(time.Minute)
	obs.Report(unhealthy("docker://web", "container exited"))
	obs.Report(healthy("docker://web"))

	got, err := obs.Observe(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Healthy)
}

func TestPushObserver_StaleObservationsEvicted(t *testing.T) {
	obs := NewPushObserver(time.Minute)
	stale := unhealthy("docker://old", "container exited")
	stale.ObservedAt = time.Now().Add(-2 * time.Minute)
	obs.Report(stale)
	obs.Report(unhealthy("docker://fresh", "container exited"))

	got, err := obs.Observe(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "docker://fresh", got[0].Resource)
}

func TestPushObserver_IgnoresEmptyResourceAndStampsTime(t *testing.T) {
	obs := NewPushObserver(time.Minute)
	obs.Report(datatypes.Observation{Symptoms: []string{"no resource"}})
	obs.Report(datatypes.Observation{Resource: "docker://web", Healthy: false})

	got, err := obs.Observe(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].ObservedAt.IsZero())
}

func TestPushObserver_FeedsTheDetectionLoop(t *testing.T) {
	push := NewPushObserver(time.Minute)
	engine, store, _ := newEngine(t, push)
	ctx := context.Background()

	push.Report(unhealthy("docker://web", "container exited"))
	require.NoError(t, engine.RunOnce(ctx))

	incidents, err := store.ListIncidents(ctx, datatypes.IncidentOpen)
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}
