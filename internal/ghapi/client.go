// Package ghapi covers the two GitHub REST calls the loop needs: repository
// validation and squash-merging pull requests.
package ghapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// DefaultBaseURL is the public GitHub REST API endpoint.
const DefaultBaseURL = "https://api.github.com"

// Client calls the GitHub REST API on behalf of the loop's token.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Client for api.github.com.
func NewClient(token string) *Client {
	return &Client{
		Token:   token,
		BaseURL: DefaultBaseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-success GitHub response (or transport failure, Status 0).
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api: HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is transient.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ConflictError means GitHub refused the merge because the PR is not
// mergeable (branch conflicts or a blocked merge). It is never retryable;
// the loop pauses for operator intervention instead.
type ConflictError struct {
	Number  int
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pull request #%d cannot be merged: %s", e.Number, e.Message)
}

// ValidateRepo checks that the token can see the repository.
func (c *Client) ValidateRepo(ctx context.Context, owner, repo string) error {
	path := fmt.Sprintf("/repos/%s/%s", owner, repo)
	_, err := c.do(ctx, http.MethodGet, path, nil)
	return err
}

// MergeResult is the outcome of a successful squash merge.
type MergeResult struct {
	Merged bool   `json:"merged"`
	SHA    string `json:"sha"`
}

// MergePullRequest squash-merges the given pull request. A 405 or 409
// response becomes a *ConflictError; other failures become *APIError.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int) (*MergeResult, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	body := map[string]string{"merge_method": "squash"}

	data, err := c.do(ctx, http.MethodPut, path, body)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) &&
			(apiErr.Status == http.StatusMethodNotAllowed || apiErr.Status == http.StatusConflict) {
			return nil, &ConflictError{Number: number, Message: messageFromBody(apiErr.Body)}
		}
		return nil, err
	}

	var result MergeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode merge response: %w", err)
	}
	if !result.Merged {
		return nil, &APIError{Status: http.StatusOK, Body: "merge reported not merged"}
	}
	return &result, nil
}

func asAPIError(err error, target **APIError) bool {
	e, ok := err.(*APIError)
	if ok {
		*target = e
	}
	return ok
}

func messageFromBody(body string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return body
}

var prURLPattern = regexp.MustCompile(`/pull/(\d+)`)

// PullNumberFromURL extracts the PR number from a GitHub pull request URL.
func PullNumberFromURL(url string) (int, error) {
	m := prURLPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, fmt.Errorf("no pull request number in %q", url)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse pull request number in %q: %w", url, err)
	}
	return n, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Status: 0, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
