package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sushant-115/collagecommit/core/transaction"
)

const clientTimeout = 10 * time.Second

// SubmitRequest is the body of POST /collages.
type SubmitRequest struct {
	Name     string   `json:"name"`
	Artifact []byte   `json:"artifact"`
	Sources  []string `json:"sources"`
}

// APIResponse mirrors the coordinator's reply.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Client talks to the coordinator's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// Submit asks the coordinator to start a collage. A non-2xx reply is an
// error carrying the coordinator's message.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*APIResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshalling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/collages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request to coordinator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	var apiResp APIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("error unmarshalling response (%s): %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode/100 != 2 {
		return &apiResp, fmt.Errorf("%s: %s", resp.Status, apiResp.Message)
	}
	return &apiResp, nil
}

// Status lists the collages the coordinator has not finished.
func (c *Client) Status(ctx context.Context) ([]transaction.Snapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collages", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error fetching status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s", resp.Status)
	}
	var active []transaction.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&active); err != nil {
		return nil, fmt.Errorf("error decoding status: %w", err)
	}
	return active, nil
}
