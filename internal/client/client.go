// Package client implements the cooperating side of the queue contract:
// a thin HTTP client for the four actions and a poller that waits for
// admission, runs the executor once, and releases the slot.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
)

// Client talks to the queue service's /v1/queue endpoint.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

func New(baseURL, clientID string) *Client {
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// JoinResult is the queue's answer to a join.
type JoinResult struct {
	QueueID  string `json:"queue_id"`
	Position int    `json:"position"`
}

type queueRequest struct {
	Action     string `json:"action"`
	SourceRepo string `json:"source_repo,omitempty"`
	TargetRepo string `json:"target_repo,omitempty"`
	QueueID    string `json:"queue_id,omitempty"`
}

// Join enqueues a new remix job.
func (c *Client) Join(ctx context.Context, sourceRepo, targetRepo string) (JoinResult, error) {
	var res JoinResult
	err := c.post(ctx, queueRequest{Action: "join", SourceRepo: sourceRepo, TargetRepo: targetRepo}, &res)
	return res, err
}

// Position polls the job's standing.
func (c *Client) Position(ctx context.Context, queueID string) (models.PollResult, error) {
	var res models.PollResult
	err := c.post(ctx, queueRequest{Action: "position", QueueID: queueID}, &res)
	return res, err
}

// Done releases the slot after a successful execution.
func (c *Client) Done(ctx context.Context, queueID string) (bool, error) {
	return c.ack(ctx, "done", queueID)
}

// Error releases the slot after a failed execution.
func (c *Client) Error(ctx context.Context, queueID string) (bool, error) {
	return c.ack(ctx, "error", queueID)
}

func (c *Client) ack(ctx context.Context, action, queueID string) (bool, error) {
	var res struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, queueRequest{Action: action, QueueID: queueID}, &res); err != nil {
		return false, err
	}
	return res.OK, nil
}

func (c *Client) post(ctx context.Context, req queueRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/queue", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.clientID != "" {
		httpReq.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("queue request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		if envelope.Error != "" {
			return fmt.Errorf("queue %s: %s (status %d)", req.Action, envelope.Error, resp.StatusCode)
		}
		return fmt.Errorf("queue %s: status %d", req.Action, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
