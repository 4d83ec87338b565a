package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPInvoker calls a model-serving gateway over a plain JSON contract:
// the request body mirrors Request, the response body mirrors Result.
// Provider-specific protocols and auth live behind the gateway.
type HTTPInvoker struct {
	endpoint   string
	authHeader string
	authValue  string
	client     *http.Client
}

// NewHTTP creates an HTTPInvoker for the given gateway endpoint.
// authHeader/authValue are optional.
func NewHTTP(endpoint, authHeader, authValue string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPInvoker{
		endpoint:   endpoint,
		authHeader: authHeader,
		authValue:  authValue,
		client:     &http.Client{Timeout: timeout},
	}
}

// Invoke implements Invoker
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.authHeader != "" {
		httpReq.Header.Set(h.authHeader, h.authValue)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{Kind: KindTimeout, Message: err.Error()}
		}
		return nil, &ProviderError{Kind: KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Kind: KindUnknown, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	result.Latency = time.Since(start)
	return &result, nil
}

func classifyStatus(code int) *ProviderError {
	msg := fmt.Sprintf("gateway returned status %d", code)
	switch {
	case code == http.StatusTooManyRequests:
		return &ProviderError{Kind: KindRateLimited, Message: msg}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &ProviderError{Kind: KindAuth, Message: msg}
	case code >= 500:
		return &ProviderError{Kind: KindUnavailable, Message: msg}
	case code >= 400:
		return &ProviderError{Kind: KindInvalidRequest, Message: msg}
	}
	return &ProviderError{Kind: KindUnknown, Message: msg}
}
