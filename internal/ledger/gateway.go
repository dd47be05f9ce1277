package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// gatewayClient talks to the ledger gateway service, which owns the actual
// contract bindings and transaction signing. Every call carries a hard
// timeout; a timeout is reported as ErrUnavailable, never as success.
type gatewayClient struct {
	baseURL string
	network string
	client  *http.Client
	logger  *zap.Logger
}

func NewGatewayClient(baseURL, network string, timeout time.Duration, l *zap.Logger) Client {
	return &gatewayClient{
		baseURL: baseURL,
		network: network,
		client:  &http.Client{Timeout: timeout},
		logger:  l,
	}
}

type orderStateResponse struct {
	Exists bool `json:"exists"`
	Status int  `json:"status"`
}

type submitRequest struct {
	Operation  string `json:"operation"`
	StatusCode int    `json:"status_code,omitempty"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (c *gatewayClient) orderURL(orderID, suffix string) string {
	return fmt.Sprintf("%s/networks/%s/orders/%s%s", c.baseURL, c.network, orderID, suffix)
}

func (c *gatewayClient) Exists(ctx context.Context, orderID string) (bool, error) {
	var state orderStateResponse
	if err := c.get(ctx, c.orderURL(orderID, ""), &state); err != nil {
		return false, err
	}
	return state.Exists, nil
}

func (c *gatewayClient) GetStatus(ctx context.Context, orderID string) (int, error) {
	var state orderStateResponse
	if err := c.get(ctx, c.orderURL(orderID, ""), &state); err != nil {
		return 0, err
	}
	if !state.Exists {
		return 0, ErrOrderMissing
	}
	return state.Status, nil
}

func (c *gatewayClient) Submit(ctx context.Context, orderID string, op Operation, args SubmitArgs) (string, int, error) {
	body, err := json.Marshal(submitRequest{Operation: string(op), StatusCode: args.StatusCode})
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.orderURL(orderID, "/submit"), bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Ledger submit failed to reach gateway",
			zap.String("order_id", orderID),
			zap.String("operation", string(op)),
			zap.Error(err))
		return "", 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && resp.StatusCode < 300 {
		return "", 0, fmt.Errorf("%w: undecodable gateway response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result.TxHash, result.Status, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", 0, ErrOrderMissing
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Warn("Ledger rejected operation",
			zap.String("order_id", orderID),
			zap.String("operation", string(op)),
			zap.Int("status_code", resp.StatusCode),
			zap.String("gateway_error", result.Error))
		return "", 0, fmt.Errorf("%w: %s", ErrRejected, result.Error)
	default:
		return "", 0, fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode)
	}
}

func (c *gatewayClient) get(ctx context.Context, url string, out *orderStateResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		out.Exists = false
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: undecodable gateway response: %v", ErrUnavailable, err)
	}
	return nil
}
