// Package cmd provides the operator command-line interface. Commands talk
// to a running SentinelCore server over its HTTP API so that submissions
// land on the server's stage queues.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Global flags shared by all subcommands.
var (
	apiURL     string
	actorID    string
	actorName  string
	actorRole  string
	tenantID   string
	outputJSON bool
	noColor    bool
)

const defaultTimeout = 2 * time.Minute

// apiClient is a thin typed wrapper over the server's HTTP API.
type apiClient struct {
	base   string
	client *http.Client
}

func newClient() *apiClient {
	base := apiURL
	if base == "" {
		base = os.Getenv("SENTINELCORE_API_URL")
	}
	if base == "" {
		base = "http://127.0.0.1:8081"
	}
	return &apiClient{base: base, client: &http.Client{Timeout: 30 * time.Second}}
}

// do performs one request with identity headers and decodes the JSON
// response into out (when non-nil).
func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-User-ID", actorID)
	req.Header.Set("X-Auth-User", actorName)
	req.Header.Set("X-Auth-Role", actorRole)
	req.Header.Set("X-Auth-Tenant", tenantID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
