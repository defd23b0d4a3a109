// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package execution parses plan step targets into typed resource
// references and dispatches actions to pluggable execution backends.
//
// Validation happens before dispatch and returns structured errors, so
// one malformed step never crashes the plan around it. Two lookup
// failures are deliberately distinct: ErrPluginNotFound (no provider
// registered at all) versus ErrActionUnsupported (providers exist, none
// declares the action).
package execution

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Target schemes understood by the router.
const (
	SchemeDocker  = "docker"
	SchemeProxmox = "proxmox"
)

// Proxmox resource types allowed in targets.
const (
	ProxmoxQemu = "qemu"
	ProxmoxLXC  = "lxc"
)

const (
	maxContainerNameLen = 128
	maxNodeNameLen      = 64
	minVMID             = 100
	maxVMID             = 999_999_999
)

var (
	containerNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	nodeNameRe      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidationError reports a malformed target or action, rejected before
// any execution occurs. It is isolated per step.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// TargetRef is a parsed, validated resource reference.
//
// Exactly one of the scheme-specific field groups is populated:
// Container for docker targets; Node/ResourceType/VMID for proxmox.
type TargetRef struct {
	Scheme       string
	Container    string
	Node         string
	ResourceType string
	VMID         int
	Raw          string
}

// String returns the canonical target string.
func (t TargetRef) String() string { return t.Raw }

// ParseTarget parses and validates a target reference string.
//
// Supported forms:
//
//	docker://<container>            container: [A-Za-z0-9][A-Za-z0-9_.-]*, len <= 128
//	proxmox://<node>/<type>/<vmid>  node: [A-Za-z0-9_-]+, len <= 64;
//	                                type: qemu|lxc; vmid: [100, 999999999]
func ParseTarget(raw string) (TargetRef, error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "missing scheme"}
	}

	switch scheme {
	case SchemeDocker:
		if rest == "" || len(rest) > maxContainerNameLen || !containerNameRe.MatchString(rest) {
			return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "malformed docker container identifier"}
		}
		return TargetRef{Scheme: SchemeDocker, Container: rest, Raw: raw}, nil

	case SchemeProxmox:
		parts := strings.Split(rest, "/")
		if len(parts) != 3 {
			return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "expected proxmox://node/type/vmid"}
		}
		node, resType, vmidStr := parts[0], parts[1], parts[2]
		if node == "" || len(node) > maxNodeNameLen || !nodeNameRe.MatchString(node) {
			return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "malformed proxmox node name"}
		}
		if resType != ProxmoxQemu && resType != ProxmoxLXC {
			return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "resource type must be qemu or lxc"}
		}
		vmid, err := strconv.Atoi(vmidStr)
		if err != nil {
			return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "vmid must be numeric"}
		}
		if vmid < minVMID || vmid > maxVMID {
			return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "vmid out of range"}
		}
		return TargetRef{Scheme: SchemeProxmox, Node: node, ResourceType: resType, VMID: vmid, Raw: raw}, nil

	default:
		return TargetRef{}, &ValidationError{Field: "target", Value: raw, Reason: "unknown scheme"}
	}
}
