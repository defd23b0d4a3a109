// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package client is the worker-side HTTP binding for the control plane's
// /v1/worker endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHaven/services/controlplane/datatypes"
)

// Client talks to one control plane.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the control plane at baseURL
// (e.g. "http://havend.lan:8080").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type workerRequest struct {
	WorkerID     string   `json:"worker_id"`
	SiteName     string   `json:"site_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Register announces the worker to the control plane.
func (c *Client) Register(ctx context.Context, workerID, site string, capabilities []string) (*datatypes.WorkerInfo, error) {
	var info datatypes.WorkerInfo
	err := c.post(ctx, "/v1/worker/register",
		workerRequest{WorkerID: workerID, SiteName: site, Capabilities: capabilities}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Heartbeat refreshes the worker's liveness record.
func (c *Client) Heartbeat(ctx context.Context, workerID, site string, capabilities []string) error {
	return c.post(ctx, "/v1/worker/heartbeat",
		workerRequest{WorkerID: workerID, SiteName: site, Capabilities: capabilities}, nil)
}

// Claim asks for the next task. A nil task with nil error means the
// queue had nothing for this worker.
func (c *Client) Claim(ctx context.Context, workerID string) (*datatypes.WorkerTask, error) {
	body, err := json.Marshal(workerRequest{WorkerID: workerID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/worker/claim", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var task datatypes.WorkerTask
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return nil, fmt.Errorf("decode claimed task: %w", err)
		}
		return &task, nil
	default:
		return nil, statusError(resp)
	}
}

// SubmitResult delivers one result envelope. Safe to retry: the control
// plane dedupes on the idempotency key.
func (c *Client) SubmitResult(ctx context.Context, env datatypes.ResultEnvelope) error {
	return c.post(ctx, "/v1/worker/results", env, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("control plane returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}
