package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

// Client is the API client for octomirror
type Client struct {
	baseURL       string
	authorization string
	httpClient    *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithAuthorization sets the Authorization header sent on every request
func (c *Client) WithAuthorization(header string) *Client {
	c.authorization = header
	return c
}

// InstallableOrganizations retrieves the organizations the app can act on
func (c *Client) InstallableOrganizations(ctx context.Context) ([]string, error) {
	var response struct {
		Data []string `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/organizations/installable", nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetRuns retrieves the most recent runs
func (c *Client) GetRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var response struct {
		Data []*domain.SyncRun `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/runs", params, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetRunSummary retrieves the outcome counts of a run
func (c *Client) GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	path := fmt.Sprintf("/api/v1/runs/%s/summary", url.PathEscape(runID))

	var response struct {
		Data *domain.RunSummary `json:"data"`
	}
	if err := c.get(ctx, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetMirrorFailures retrieves the repositories waiting for a mirror retry
func (c *Client) GetMirrorFailures(ctx context.Context) ([]*domain.MirrorFailure, error) {
	var response struct {
		Data []*domain.MirrorFailure `json:"data"`
	}
	if err := c.get(ctx, "/api/v1/mirrors/failures", nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/health", nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", response.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(result)
	case http.StatusNotFound:
		return apperrors.NewNotFoundError(path)
	case http.StatusUnauthorized:
		return apperrors.NewUnauthorizedError(path)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
}
