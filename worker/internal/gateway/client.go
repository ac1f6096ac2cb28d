// Package gateway is the worker-side HTTP client for the queue gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
)

type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

func New(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   strings.TrimSpace(apiToken),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusError carries the HTTP status of a rejected gateway call so callers
// can distinguish lease conflicts from transport failures.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway request failed: %d %s", e.Code, e.Message)
}

// IsConflict reports whether err is a lease or state conflict (409).
func IsConflict(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == http.StatusConflict
}

func (c *Client) Claim(ctx context.Context, req queueapi.ClaimRequest) (queueapi.ClaimResponse, error) {
	var resp queueapi.ClaimResponse
	err := c.post(ctx, "/v1/queue/claim", req, &resp)
	return resp, err
}

func (c *Client) Heartbeat(ctx context.Context, jobID string, req queueapi.HeartbeatRequest) (queueapi.HeartbeatResponse, error) {
	var resp queueapi.HeartbeatResponse
	err := c.post(ctx, "/v1/queue/jobs/"+jobID+"/heartbeat", req, &resp)
	return resp, err
}

func (c *Client) Complete(ctx context.Context, jobID string, req queueapi.CompleteJobRequest) error {
	return c.post(ctx, "/v1/queue/jobs/"+jobID+"/complete", req, nil)
}

func (c *Client) Fail(ctx context.Context, jobID string, req queueapi.FailJobRequest) error {
	return c.post(ctx, "/v1/queue/jobs/"+jobID+"/fail", req, nil)
}

func (c *Client) AckCancel(ctx context.Context, jobID, workerID string) error {
	return c.post(ctx, "/v1/queue/jobs/"+jobID+"/ack-cancel", queueapi.AckCancelRequest{WorkerID: workerID}, nil)
}

func (c *Client) AckRecovery(ctx context.Context, jobID, workerID, action string) error {
	return c.post(ctx, "/v1/queue/jobs/"+jobID+"/ack-recovery", queueapi.AckRecoveryRequest{WorkerID: workerID, Action: action}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("X-AgentQ-Token", c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
