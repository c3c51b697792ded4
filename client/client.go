// Package client is the HTTP client for the walletpnl analysis service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
)

// Analysis is an analysis as returned by the server. ID and CreatedAt are
// set once it has been stored.
type Analysis struct {
	ID        int64      `json:"id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	*analyzer.Analysis
}

// AnalyzeRequest asks the server to analyze one wallet now.
type AnalyzeRequest struct {
	Address  string              `json:"address"`
	Settings *analyzer.Overrides `json:"settings,omitempty"`
	// Save defaults to true on the server.
	Save *bool `json:"save,omitempty"`
}

// BatchRequest asks the server to start an asynchronous batch run.
type BatchRequest struct {
	RunID       string              `json:"run_id,omitempty"`
	Addresses   []string            `json:"addresses"`
	Settings    *analyzer.Overrides `json:"settings,omitempty"`
	Concurrency int                 `json:"concurrency,omitempty"`
}

// Batch is the server's acknowledgement of a started batch.
type Batch struct {
	RunID   string `json:"run_id"`
	Wallets int    `json:"wallets"`
}

// ListOptions filters List.
type ListOptions struct {
	RunID         string
	QualifiedOnly bool
	Limit         int
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the analysis service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new analysis service client. Synchronous analyses can
// take minutes, so the default HTTP client timeout is generous.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Analyze runs a synchronous analysis of one wallet on the server.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	var out Analysis
	if err := c.do(ctx, "POST", "/api/v1/analyses", req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet analyzed", "address", req.Address, "id", out.ID)
	return &out, nil
}

// Get retrieves the latest stored analysis for a wallet.
func (c *Client) Get(ctx context.Context, address string) (*Analysis, error) {
	var out Analysis
	path := "/api/v1/analyses/" + url.PathEscape(address)
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List retrieves stored analyses, best first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*Analysis, error) {
	q := url.Values{}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}
	if opts.QualifiedOnly {
		q.Set("qualified", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/v1/analyses"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var response struct {
		Analyses []*Analysis `json:"analyses"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Analyses, nil
}

// StartBatch starts an asynchronous batch run and returns its run id.
func (c *Client) StartBatch(ctx context.Context, req BatchRequest) (*Batch, error) {
	var out Batch
	if err := c.do(ctx, "POST", "/api/v1/batches", req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("batch started", "run_id", out.RunID, "wallets", out.Wallets)
	return &out, nil
}

// Health returns nil when the server and its RPC endpoint are healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/health", nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
