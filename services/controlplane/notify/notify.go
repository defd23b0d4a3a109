// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify decouples plan-state transitions from notification
// delivery.
//
// Publishers drop events onto a bounded channel and never wait; a
// separate notifier worker drains the channel and hands events to a
// Sink. Delivery failures are logged and dropped: notification is
// fire-and-forget and must never affect plan state.
package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/telemetry"
)

// Event describes one plan status change.
type Event struct {
	Type      string    `json:"type"`
	PlanID    string    `json:"plan_id"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is what plan-state code depends on. Publish must not block.
type Publisher interface {
	Publish(event Event)
}

// Sink delivers events to an external channel (webhook, chat, email).
// Implementations live outside the core.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// LogSink writes events to the log. Default sink for single-box setups.
type LogSink struct {
	Log *logging.Logger
}

func (s *LogSink) Deliver(_ context.Context, event Event) error {
	s.Log.Info("notification",
		"type", event.Type,
		"plan_id", event.PlanID,
		"status", event.Status,
		"detail", event.Detail,
	)
	return nil
}

// Notifier owns the event channel and the delivery worker.
type Notifier struct {
	ch      chan Event
	sink    Sink
	limiter *rate.Limiter
	log     *logging.Logger
	metrics *telemetry.Metrics
}

// NewNotifier creates a Notifier with the given buffer size. A full
// buffer drops new events (counted in metrics) rather than blocking the
// publisher.
func NewNotifier(buffer int, sink Sink, metrics *telemetry.Metrics, log *logging.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logging.Default()
	}
	if sink == nil {
		sink = &LogSink{Log: log}
	}
	return &Notifier{
		ch:   make(chan Event, buffer),
		sink: sink,
		// One delivery per second with small bursts keeps a flapping
		// pipeline from hammering the outbound channel.
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
		log:     log,
		metrics: metrics,
	}
}

// Publish enqueues the event without blocking. Dropped events are an
// observable metric, not an error: plan transitions never fail because a
// notification could not be sent.
func (n *Notifier) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case n.ch <- event:
	default:
		if n.metrics != nil {
			n.metrics.NotificationsDropped.Inc()
		}
		n.log.Warn("notification dropped, buffer full", "plan_id", event.PlanID, "type", event.Type)
	}
}

// Run drains the channel until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.ch:
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			if err := n.sink.Deliver(ctx, event); err != nil {
				n.log.Warn("notification delivery failed",
					"plan_id", event.PlanID, "error", err)
			}
		}
	}
}
