package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mfauth/authchain/httpapi"
)

// HTTPDriver performs protocol calls against the httpapi endpoints.
type HTTPDriver struct {
	// BaseURL is the mount point, e.g. "https://example.com/auth/chain".
	BaseURL string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Decorate, when set, attaches session credentials to each request.
	Decorate func(*http.Request)
}

func (d *HTTPDriver) Start(ctx context.Context) (*httpapi.ChainResponse, error) {
	return d.post(ctx, "/start", nil)
}

func (d *HTTPDriver) Perform(ctx context.Context, req httpapi.PerformRequest) (*httpapi.ChainResponse, error) {
	return d.post(ctx, "/perform", &req)
}

func (d *HTTPDriver) Reset(ctx context.Context) error {
	_, err := d.post(ctx, "/reset", nil)
	return err
}

func (d *HTTPDriver) post(ctx context.Context, path string, body any) (*httpapi.ChainResponse, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Decorate != nil {
		d.Decorate(req)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out httpapi.ChainResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chain response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, errors.New(out.Error)
		}
		return nil, fmt.Errorf("chain request failed with status %d", resp.StatusCode)
	}
	return &out, nil
}
