package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace-reconciler/internal/models"
)

// HTTPAdapter talks to a gateway's REST API. Responses in the 5xx/429 range
// come back wrapped retryable so the lifecycle manager backs off instead of
// failing the job.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) ProcessRefund(ctx context.Context, req RefundRequest) (Result, error) {
	return a.post(ctx, "/v1/refunds", req)
}

func (a *HTTPAdapter) RetryPayment(ctx context.Context, req PaymentRequest) (Result, error) {
	return a.post(ctx, "/v1/payments/retry", req)
}

func (a *HTTPAdapter) SubmitPayout(ctx context.Context, req PayoutRequest) (Result, error) {
	return a.post(ctx, "/v1/payouts", req)
}

func (a *HTTPAdapter) SyncStatus(ctx context.Context, provider, reference string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/%s/status/%s", a.baseURL, provider, reference), nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	res, err := a.do(httpReq)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (a *HTTPAdapter) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return VerifySignature(payload, signature, secret)
}

func (a *HTTPAdapter) post(ctx context.Context, path string, body any) (Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshal gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

func (a *HTTPAdapter) do(req *http.Request) (Result, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		// Client timeouts and connection errors are transient.
		return Result{}, &models.RetryableError{Err: fmt.Errorf("gateway call: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read gateway response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var res Result
		if err := json.Unmarshal(body, &res); err != nil {
			return Result{}, fmt.Errorf("decode gateway response: %w", err)
		}
		return res, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, models.Retryablef("gateway returned %d: %s", resp.StatusCode, body)
	default:
		return Result{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body)
	}
}
