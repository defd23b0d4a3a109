// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// PushObserver accepts observations pushed by external monitors (health
// checkers, worker fact gathering, webhook integrations) and replays the
// latest one per resource on each tick.
//
// An observation older than the TTL is dropped rather than replayed: a
// monitor that went silent must not keep vouching for a resource. The
// unobserved resource then stays in whatever incident state it already
// has, per the loop's "silence is not recovery" rule.
type PushObserver struct {
	mu     sync.Mutex
	ttl    time.Duration
	latest map[string]datatypes.Observation
}

// NewPushObserver creates a push observer. ttl <= 0 defaults to 5m.
func NewPushObserver(ttl time.Duration) *PushObserver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PushObserver{
		ttl:    ttl,
		latest: make(map[string]datatypes.Observation),
	}
}

func (o *PushObserver) Name() string { return "push" }

// Report records an observation, replacing any earlier one for the same
// resource. A zero ObservedAt is stamped with the current time.
func (o *PushObserver) Report(obs datatypes.Observation) {
	if obs.Resource == "" {
		return
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latest[obs.Resource] = obs
}

// Observe returns the current per-resource snapshot, evicting entries
// past the TTL.
func (o *PushObserver) Observe(_ context.Context) ([]datatypes.Observation, error) {
	cutoff := time.Now().Add(-o.ttl)
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]datatypes.Observation, 0, len(o.latest))
	for resource, obs := range o.latest {
		if obs.ObservedAt.Before(cutoff) {
			delete(o.latest, resource)
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}
