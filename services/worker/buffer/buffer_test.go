// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

func newBuffer(t *testing.T, cfg Config) *Buffer {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	b, err := New(cfg, nil)
	require.NoError(t, err)
	return b
}

func envelope(key string, at time.Time) datatypes.ResultEnvelope {
	return datatypes.ResultEnvelope{
		WorkerID:       "w1",
		PayloadType:    datatypes.PayloadExecutionResult,
		IdempotencyKey: key,
		Success:        true,
		Timestamp:      at,
	}
}

func TestPutListAck_RoundTrip(t *testing.T) {
	b := newBuffer(t, Config{})

	name, err := b.Put(envelope("r1", time.Now().UTC()))
	require.NoError(t, err)
	require.NotEmpty(t, name)

	entries, err := b.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].Envelope.IdempotencyKey)

	require.NoError(t, b.Ack(entries[0].Name))
	n, err := b.Len()
	require.NoError(t, err)
	assert.Zero(t, n, "acked entry must leave the backlog")
}

func TestList_NewestFirst(t *testing.T) {
	b := newBuffer(t, Config{})
	base := time.Now().UTC()

	_, err := b.Put(envelope("old", base.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = b.Put(envelope("new", base))
	require.NoError(t, err)

	entries, err := b.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].Envelope.IdempotencyKey)
	assert.Equal(t, "old", entries[1].Envelope.IdempotencyKey)
}

func TestAck_MissingEntryIsNoOp(t *testing.T) {
	b := newBuffer(t, Config{})
	assert.NoError(t, b.Ack("never-existed.json"))
}

func TestPut_MaxEntriesEvictsOldestFirst(t *testing.T) {
	b := newBuffer(t, Config{MaxEntries: 2})
	base := time.Now().UTC()

	for i, key := range []string{"a", "b", "c"} {
		_, err := b.Put(envelope(key, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	entries, err := b.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Envelope.IdempotencyKey)
	assert.Equal(t, "b", entries[1].Envelope.IdempotencyKey)
	assert.Equal(t, 1, b.Evicted())
}

func TestPut_MaxAgeEvictsStaleEntries(t *testing.T) {
	b := newBuffer(t, Config{MaxAge: time.Hour})
	now := time.Now().UTC()

	_, err := b.Put(envelope("stale", now.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = b.Put(envelope("fresh", now))
	require.NoError(t, err)

	entries, err := b.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Envelope.IdempotencyKey)
	assert.Equal(t, 1, b.Evicted())
}

func TestPut_MaxAgeEvictsPastForeignFiles(t *testing.T) {
	dir := t.TempDir()
	b := newBuffer(t, Config{Dir: dir, MaxAge: time.Hour})
	now := time.Now().UTC()

	_, err := b.Put(envelope("stale", now.Add(-2*time.Hour)))
	require.NoError(t, err)

	// A file without the timestamp prefix sorts after every real entry;
	// it must not shield the stale one from the age bound.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zzz-manual.json"), []byte("not json"), 0640))

	_, err = b.Put(envelope("fresh", now))
	require.NoError(t, err)

	entries, err := b.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Envelope.IdempotencyKey)
	assert.Equal(t, 1, b.Evicted())
}

func TestBuffer_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b := newBuffer(t, Config{Dir: dir})
	_, err := b.Put(envelope("persisted", time.Now().UTC()))
	require.NoError(t, err)

	reopened := newBuffer(t, Config{Dir: dir})
	entries, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "persisted", entries[0].Envelope.IdempotencyKey)
}
