// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
)

// HeuristicPlanner proposes the simplest safe remediation per resource
// scheme: restart the container, reboot the VM. Anything it cannot map
// yields no proposal rather than a guess.
type HeuristicPlanner struct{}

// Plan builds a one-step-per-resource proposal. Recurrence matches feed
// the description so the approver sees the history before deciding.
func (p *HeuristicPlanner) Plan(_ context.Context, inc *datatypes.Incident, matches []datatypes.RecurrenceMatch) (*datatypes.PlanProposal, error) {
	var steps []datatypes.PlanStep
	for _, resource := range inc.Resources {
		target, err := execution.ParseTarget(resource)
		if err != nil {
			continue
		}
		action := actionFor(target)
		if action == "" {
			continue
		}
		steps = append(steps, datatypes.PlanStep{
			Order:        len(steps),
			Action:       action,
			Target:       resource,
			Description:  fmt.Sprintf("%s for incident symptoms: %s", action, strings.Join(inc.Symptoms, ", ")),
			Verification: "resource reports healthy on the next observation tick",
		})
	}
	if len(steps) == 0 {
		return nil, nil
	}

	return &datatypes.PlanProposal{
		IncidentID:  inc.ID,
		Title:       title(inc, matches),
		Description: describe(inc, matches),
		Steps:       steps,
	}, nil
}

func actionFor(target execution.TargetRef) string {
	switch target.Scheme {
	case execution.SchemeDocker:
		return execution.ActionRestartContainer
	case execution.SchemeProxmox:
		return execution.ActionRebootVM
	default:
		return ""
	}
}

func title(inc *datatypes.Incident, matches []datatypes.RecurrenceMatch) string {
	t := fmt.Sprintf("Remediate %s incident on %s", inc.Severity, strings.Join(inc.Resources, ", "))
	for _, m := range matches {
		if m.Classification == datatypes.RecurrenceWorsening {
			t = "[worsening] " + t
			break
		}
	}
	// Truncate last so the prefix never pushes the title past the
	// proposal schema's bound.
	if len(t) > 200 {
		t = t[:200]
	}
	return t
}

func describe(inc *datatypes.Incident, matches []datatypes.RecurrenceMatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symptoms: %s.", strings.Join(inc.Symptoms, ", "))
	if len(inc.CauseKeys) > 0 {
		fmt.Fprintf(&b, " Probable causes: %s.", strings.Join(inc.CauseKeys, ", "))
	}
	for _, m := range matches {
		if m.Classification == datatypes.RecurrenceNew {
			continue
		}
		fmt.Fprintf(&b, " %s of incident %s (score %.2f).",
			m.Classification, m.MatchedIncidentID, m.Score)
	}
	return b.String()
}
