package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource reads factors from a JSON telemetry endpoint:
//
//	GET {base}/factors/{name} -> {"value": 12.5}
//
// 404 means the factor is unknown.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for baseURL. A nil client uses a default
// client; per-fetch deadlines come from the request context.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Name implements FactorSource.
func (s *HTTPSource) Name() string { return "http" }

type factorResponse struct {
	Value *float64 `json:"value"`
}

// Resolve implements FactorSource.
func (s *HTTPSource) Resolve(ctx context.Context, factor string) (float64, error) {
	endpoint := s.baseURL + "/factors/" + url.PathEscape(factor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", factor, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%s: %w: %v", factor, ErrSourceUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%s: %w", factor, ErrFactorNotFound)
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("%s: %w: status %d", factor, ErrSourceUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("%s: unexpected status %d", factor, resp.StatusCode)
	}

	var body factorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return 0, fmt.Errorf("%s: decode response: %w", factor, err)
	}
	if body.Value == nil {
		return 0, fmt.Errorf("%s: response has no value: %w", factor, ErrFactorNotFound)
	}
	return *body.Value, nil
}
