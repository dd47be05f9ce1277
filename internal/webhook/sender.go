package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes bounds how much of a receiver's response body is kept in
// the audit log.
const maxResponseBytes = 4096

type SendResult struct {
	StatusCode int
	Body       string
}

// Sender performs one signed delivery attempt with a bounded timeout.
type Sender struct {
	client *http.Client
	logger *zap.Logger
}

func NewSender(timeout time.Duration, l *zap.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
		logger: l,
	}
}

// Send POSTs the signed envelope to url. A non-nil error means the attempt
// never produced an HTTP response; a non-2xx response comes back as a result
// with its status code and no error.
func (s *Sender) Send(ctx context.Context, url string, secret []byte, envelope Envelope) (*SendResult, error) {
	payload, err := envelope.Marshal()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, payload))

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("Webhook delivery attempt failed to connect",
			zap.String("url", url),
			zap.String("event", envelope.Event),
			zap.Error(err))
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return &SendResult{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
