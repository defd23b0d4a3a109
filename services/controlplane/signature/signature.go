// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package signature builds canonical incident fingerprints and scores them
// against historical fingerprints for recurrence detection.
//
// Everything here is pure and deterministic: no I/O, no storage, no clocks.
// Hash equality is guaranteed regardless of input ordering or casing
// because symptom and scope sets are normalized (trim, lowercase, drop
// empties, sort) before hashing.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// Match reason labels, in the order they are appended to a match.
const (
	ReasonSymptomHashExact = "symptom_hash_exact"
	ReasonScopeHashExact   = "scope_hash_exact"
	ReasonCauseOverlap     = "cause_overlap"
	ReasonSameSite         = "same_site"
)

// Scoring weights. Summed, clamped to [0,1], rounded to 4 decimals.
const (
	weightSymptomHash  = 0.55
	weightScopeHash    = 0.25
	weightCauseOverlap = 0.15
	weightSameSite     = 0.05

	// recurrenceThreshold is the minimum score for a match to be
	// classified as anything other than "new".
	recurrenceThreshold = 0.6
)

// Build derives the canonical signature for an incident.
//
// Timestamps without a timezone are assumed UTC; the detection time is
// normalized to UTC in the result.
func Build(inc datatypes.Incident) datatypes.IncidentSignature {
	return datatypes.IncidentSignature{
		IncidentID:     inc.ID,
		SymptomHash:    hashSet(inc.Symptoms),
		ScopeHash:      hashSet(inc.Resources),
		CauseKeys:      normalizeSet(inc.CauseKeys),
		SeverityBucket: inc.Severity,
		Site:           strings.TrimSpace(inc.Site),
		DetectedAt:     inc.DetectedAt.UTC(),
	}
}

// FindRecurrenceMatches scores the current signature against each
// historical signature and returns the top matches.
//
// Scoring: +0.55 exact symptom-hash match, +0.25 exact scope-hash match,
// up to +0.15 scaled by the Jaccard overlap of cause-key sets, +0.05 for
// the same non-empty site. Candidates scoring 0 are discarded. Survivors
// are sorted by score descending, ties broken by matched incident id
// ascending, then truncated to topN (topN <= 0 means no truncation).
func FindRecurrenceMatches(current datatypes.IncidentSignature, historical []datatypes.IncidentSignature, topN int) []datatypes.RecurrenceMatch {
	matches := make([]datatypes.RecurrenceMatch, 0, len(historical))
	for _, h := range historical {
		if h.IncidentID == current.IncidentID {
			continue
		}
		score := 0.0
		var reasons []string
		if h.SymptomHash == current.SymptomHash {
			score += weightSymptomHash
			reasons = append(reasons, ReasonSymptomHashExact)
		}
		if h.ScopeHash == current.ScopeHash {
			score += weightScopeHash
			reasons = append(reasons, ReasonScopeHashExact)
		}
		if overlap := jaccard(current.CauseKeys, h.CauseKeys); overlap > 0 {
			score += weightCauseOverlap * overlap
			reasons = append(reasons, ReasonCauseOverlap)
		}
		if current.Site != "" && current.Site == h.Site {
			score += weightSameSite
			reasons = append(reasons, ReasonSameSite)
		}
		if score == 0 {
			continue
		}
		score = math.Round(math.Min(score, 1.0)*10000) / 10000
		matches = append(matches, datatypes.RecurrenceMatch{
			MatchedIncidentID: h.IncidentID,
			Score:             score,
			Reasons:           reasons,
			Classification:    classify(score, current.SeverityBucket, h.SeverityBucket),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].MatchedIncidentID < matches[j].MatchedIncidentID
	})
	if topN > 0 && len(matches) > topN {
		matches = matches[:topN]
	}
	return matches
}

// classify maps a score and the severity relation to a recurrence class.
//
// Below the threshold everything is "new". At or above it, a higher
// current severity is "worsening", lower is "improving", equal is
// "recurring".
func classify(score float64, current, matched datatypes.Severity) datatypes.RecurrenceClass {
	if score < recurrenceThreshold {
		return datatypes.RecurrenceNew
	}
	switch {
	case current.Rank() > matched.Rank():
		return datatypes.RecurrenceWorsening
	case current.Rank() < matched.Rank():
		return datatypes.RecurrenceImproving
	default:
		return datatypes.RecurrenceRecurring
	}
}

// normalizeSet trims, lowercases, drops empties, dedupes, and sorts.
func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// hashSet returns the SHA-256 of the normalized set joined by newlines.
func hashSet(values []string) string {
	normalized := normalizeSet(values)
	h := sha256.New()
	for i, v := range normalized {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// jaccard returns |a ∩ b| / |a ∪ b| over normalized sets. Two empty sets
// have zero overlap (no evidence is not a match).
func jaccard(a, b []string) float64 {
	na, nb := normalizeSet(a), normalizeSet(b)
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(na))
	for _, v := range na {
		set[v] = struct{}{}
	}
	inter := 0
	for _, v := range nb {
		if _, ok := set[v]; ok {
			inter++
		}
	}
	union := len(na) + len(nb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
