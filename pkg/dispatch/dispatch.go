package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/httpx"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Dispatcher is the single outbound contract to whatever backend can
// actually move value: a chain wallet service, a local signer, a mock.
// The executor is the only caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.TransactionRequest) (models.ExecutionResult, error)
}

// HTTPDispatcher forwards the embedded request to an external wallet
// service over JSON. Transient failures are retried by the shared
// client helper; the caller-supplied context bounds the whole call.
type HTTPDispatcher struct {
	Client     *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPDispatcher(baseURL string) *HTTPDispatcher {
	return &HTTPDispatcher{
		Client:     &http.Client{Timeout: 30 * time.Second},
		BaseURL:    baseURL,
		Retries:    2,
		RetryDelay: 500 * time.Millisecond,
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req models.TransactionRequest) (models.ExecutionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("marshal dispatch request: %w", err)
	}
	headers := map[string]string{}
	if d.AuthHeader != "" && d.AuthToken != "" {
		headers[d.AuthHeader] = d.AuthToken
	}
	status, respBody, err := httpx.RequestJSON(ctx, d.Client, http.MethodPost, d.BaseURL+"/v1/dispatch", body, headers, d.Retries, d.RetryDelay)
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("dispatch call: %w", err)
	}
	if status < 200 || status >= 300 {
		return models.ExecutionResult{}, fmt.Errorf("dispatch backend returned status %d", status)
	}
	var res models.ExecutionResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return models.ExecutionResult{}, fmt.Errorf("decode dispatch response: %w", err)
	}
	return res, nil
}
