package guardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Client is the proposer-side SDK for the guard service. A reasoning
// layer or scheduler uses it to submit transaction requests and an
// operator tool uses it to drive review queues. The client never sees
// the integrity secret; verdict hashes come back opaque.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

// Decision is the guard's answer to an evaluate or submit call.
type Decision struct {
	Status    string                  `json:"status"`
	Verdict   models.PolicyVerdict    `json:"verdict"`
	Execution *models.ExecutionResult `json:"execution,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Evaluate asks the guard for a dry-run verdict. Nothing is recorded
// or executed server side.
func (c *Client) Evaluate(ctx context.Context, req models.TransactionRequest) (Decision, error) {
	return c.decide(ctx, "/v1/requests/evaluate", req)
}

// Submit hands the request to the guard for a binding decision. The
// returned Decision status is one of approved, pending_review,
// blocked, executed, execution_failed or refused.
func (c *Client) Submit(ctx context.Context, req models.TransactionRequest) (Decision, error) {
	return c.decide(ctx, "/v1/requests/submit", req)
}

// ExecuteVerdict replays a previously signed verdict. The guard
// re-verifies the integrity hash and TTL before dispatching.
func (c *Client) ExecuteVerdict(ctx context.Context, verdict models.PolicyVerdict) (models.ExecutionResult, error) {
	body, err := json.Marshal(verdict)
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("marshal verdict: %w", err)
	}
	status, respBody, err := c.post(ctx, "/v1/verdicts/execute", body)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if status >= 300 {
		return models.ExecutionResult{}, fmt.Errorf("execute failed status=%d body=%s", status, string(respBody))
	}
	var out struct {
		Execution models.ExecutionResult `json:"execution"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return models.ExecutionResult{}, fmt.Errorf("decode execution: %w", err)
	}
	return out.Execution, nil
}

// Pending lists verdicts waiting for human review.
func (c *Client) Pending(ctx context.Context) ([]models.PolicyVerdict, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/hitl", nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pending failed status=%d body=%s", resp.StatusCode, string(respBody))
	}
	var out struct {
		Pending []models.PolicyVerdict `json:"pending"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode pending: %w", err)
	}
	return out.Pending, nil
}

// Resolve approves or rejects a pending verdict on behalf of a human
// reviewer.
func (c *Client) Resolve(ctx context.Context, requestID string, approve bool) (Decision, error) {
	if strings.TrimSpace(requestID) == "" {
		return Decision{}, fmt.Errorf("request id required")
	}
	body, err := json.Marshal(map[string]bool{"approve": approve})
	if err != nil {
		return Decision{}, err
	}
	status, respBody, err := c.post(ctx, "/v1/hitl/"+requestID+"/resolve", body)
	if err != nil {
		return Decision{}, err
	}
	if status == http.StatusNotFound {
		return Decision{}, fmt.Errorf("no pending verdict for request %s", requestID)
	}
	var out Decision
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Decision{}, fmt.Errorf("decode resolve response: %w", err)
	}
	if status >= 300 && status != http.StatusConflict {
		return Decision{}, fmt.Errorf("resolve failed status=%d body=%s", status, string(respBody))
	}
	return out, nil
}

func (c *Client) decide(ctx context.Context, path string, req models.TransactionRequest) (Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal request: %w", err)
	}
	status, respBody, err := c.post(ctx, path, body)
	if err != nil {
		return Decision{}, err
	}
	// 409 carries a refused decision with the offending verdict; other
	// non-2xx statuses are transport or validation errors.
	if status >= 300 && status != http.StatusAccepted && status != http.StatusConflict {
		return Decision{}, fmt.Errorf("guard returned status=%d body=%s", status, string(respBody))
	}
	var out Decision
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyAuth(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
