package prpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xandeum/pnode-monitor/internal/metrics"
	"github.com/xandeum/pnode-monitor/internal/models"
)

// Methods exposed by the pRPC endpoint.
const (
	MethodGetPods            = "get-pods"
	MethodGetPodsWithStats   = "get-pods-with-stats"
	MethodGetProgramAccounts = "getProgramAccounts"
	MethodGetStats           = "get-stats"
)

// Client defines the interface for pRPC endpoint interactions
type Client interface {
	// Call sends one JSON-RPC request and returns the raw result payload
	Call(ctx context.Context, method string) (json.RawMessage, error)

	// GetPodsWithStats fetches the aggregated pod+stats feed
	GetPodsWithStats(ctx context.Context) (*models.PodsResponse, error)

	// GetPods fetches the plain pod feed
	GetPods(ctx context.Context) (*models.PodsResponse, error)

	// GetProgramAccounts fetches raw pNode program accounts
	GetProgramAccounts(ctx context.Context) ([]models.AccountRecord, error)

	// GetStats fetches endpoint-level network statistics
	GetStats(ctx context.Context) (*models.NetworkStats, error)
}

// HTTPClient implements Client over JSON-RPC 2.0 via HTTP POST
type HTTPClient struct {
	rpcURL     string
	httpClient *http.Client
	logger     *logrus.Logger
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewClient creates a new pRPC client
func NewClient(rpcURL string, timeout time.Duration, logger *logrus.Logger) *HTTPClient {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Call sends a JSON-RPC command via HTTP
func (c *HTTPClient) Call(ctx context.Context, method string) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: 1})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamCommandTotal.WithLabelValues(method, "error").Inc()
		c.logger.WithError(err).WithField("method", method).Error("pRPC call failed")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamCommandTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("pRPC endpoint returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		metrics.UpstreamCommandTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("failed to parse pRPC response: %w", err)
	}

	if rpcResp.Error != nil {
		metrics.UpstreamCommandTotal.WithLabelValues(method, "error").Inc()
		return nil, rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		metrics.UpstreamCommandTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("no result in pRPC response")
	}

	metrics.UpstreamCommandTotal.WithLabelValues(method, "success").Inc()
	return rpcResp.Result, nil
}

// GetPodsWithStats fetches the aggregated pod+stats feed
func (c *HTTPClient) GetPodsWithStats(ctx context.Context) (*models.PodsResponse, error) {
	return c.podsCall(ctx, MethodGetPodsWithStats)
}

// GetPods fetches the plain pod feed
func (c *HTTPClient) GetPods(ctx context.Context) (*models.PodsResponse, error) {
	return c.podsCall(ctx, MethodGetPods)
}

func (c *HTTPClient) podsCall(ctx context.Context, method string) (*models.PodsResponse, error) {
	result, err := c.Call(ctx, method)
	if err != nil {
		return nil, err
	}

	var pods models.PodsResponse
	if err := json.Unmarshal(result, &pods); err != nil {
		return nil, fmt.Errorf("invalid %s result: %w", method, err)
	}
	if pods.Pods == nil {
		return nil, fmt.Errorf("invalid %s result: pods array not found", method)
	}
	return &pods, nil
}

// GetProgramAccounts fetches raw pNode program accounts
func (c *HTTPClient) GetProgramAccounts(ctx context.Context) ([]models.AccountRecord, error) {
	result, err := c.Call(ctx, MethodGetProgramAccounts)
	if err != nil {
		return nil, err
	}

	var accounts []models.AccountRecord
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, fmt.Errorf("invalid getProgramAccounts result: %w", err)
	}
	return accounts, nil
}

// GetStats fetches endpoint-level network statistics
func (c *HTTPClient) GetStats(ctx context.Context) (*models.NetworkStats, error) {
	result, err := c.Call(ctx, MethodGetStats)
	if err != nil {
		return nil, err
	}

	var stats models.NetworkStats
	if err := json.Unmarshal(result, &stats); err != nil {
		return nil, fmt.Errorf("invalid get-stats result: %w", err)
	}
	return &stats, nil
}
