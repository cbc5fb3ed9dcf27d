// Package integrations holds the clients for the external security stack:
// the Wazuh SIEM, Cortex analyzers, the MISP threat-intelligence platform,
// and TheHive incident-response system. Each client shares a circuit-broken
// HTTP core so one flapping backend cannot stall an investigation.
package integrations

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const requestTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// httpCore is the shared request machinery under every integration client.
type httpCore struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	// authorize mutates each outgoing request with credentials.
	authorize func(*http.Request)
}

func newHTTPCore(name, baseURL string, insecureTLS bool) *httpCore {
	transport := http.DefaultTransport
	if insecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &httpCore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout, Transport: transport},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: slog.With("component", "integrations", "backend", name),
	}
}

// doJSON issues a request with an optional JSON body and decodes the JSON
// response into out (when out is non-nil). Non-2xx responses are errors.
func (c *httpCore) doJSON(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw.([]byte), out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *httpCore) roundTrip(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
