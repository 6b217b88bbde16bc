package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// client talks to the Control Server's Agent API. Every call except
// heartbeat is retried with exponential backoff (§5); heartbeats are
// fire-and-forget and never retried.
type client struct {
	baseURL    string
	httpClient *http.Client
	clock      clock.Clock
}

func newClient(serverURL string, clk clock.Clock) *client {
	return &client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clk,
	}
}

func (c *client) fetchNext(ctx context.Context, agentID string) (*wire.Command, error) {
	var resp wire.FetchResponse
	err := c.postWithRetry(ctx, "/agent/fetch", wire.FetchRequest{AgentID: agentID}, &resp)
	return resp.Command, err
}

func (c *client) sync(ctx context.Context, agentID string) (*wire.Command, error) {
	var resp wire.SyncResponse
	err := c.postWithRetry(ctx, "/agent/sync", wire.SyncRequest{AgentID: agentID}, &resp)
	return resp.UnfinishedCommand, err
}

func (c *client) reportResult(ctx context.Context, req wire.ResultRequest) (wire.ResultResponse, error) {
	var resp wire.ResultResponse
	err := c.postWithRetry(ctx, "/agent/result", req, &resp)
	return resp, err
}

// heartbeat is fire-and-forget: one attempt, errors are returned for the
// caller to log but never retried (§5).
func (c *client) heartbeat(ctx context.Context, agentID, currentCommand string) error {
	var resp wire.HeartbeatResponse
	return c.post(ctx, "/agent/heartbeat", wire.HeartbeatRequest{AgentID: agentID, CommandID: currentCommand}, &resp)
}

// postWithRetry retries transient transport failures with exponential
// backoff (initial 1s, x2, 3 attempts) per §5. A non-2xx response is not
// retried — it's a definite server answer, not a transport failure.
func (c *client) postWithRetry(ctx context.Context, path string, body, out any) error {
	bo := newBackoff()
	var lastErr error
	for {
		err := c.post(ctx, path, body, out)
		if err == nil {
			return nil
		}
		if _, ok := err.(*statusError); ok {
			return err
		}
		lastErr = err

		delay, ok := bo.next()
		if !ok {
			return fmt.Errorf("%s: retries exhausted: %w", path, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// statusError marks a well-formed non-2xx HTTP response, distinguishing a
// definite server answer from a transport failure worth retrying.
type statusError struct {
	StatusCode int
	Message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp wire.ErrorResponse
		json.Unmarshal(respBody, &errResp)
		return &statusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: parse response: %w", path, err)
		}
	}
	return nil
}
