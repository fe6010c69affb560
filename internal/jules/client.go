// Package jules is a thin client for the Jules coding-agent session API.
// Responses are reduced to typed results at this boundary; callers branch on
// error classification, never on raw response bodies.
package jules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the production Jules API endpoint.
const DefaultBaseURL = "https://jules.googleapis.com"

// Client calls the Jules v1alpha API.
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Client for the production endpoint.
func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:  apiKey,
		BaseURL: DefaultBaseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-success response (or transport failure, Status 0) from
// the Jules API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jules api: HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is transient (rate limiting, server
// errors, or transport failures).
func (e *APIError) Retryable() bool {
	return transientStatus(e.Status)
}

// AuthFailure reports whether the API rejected the credentials.
func (e *APIError) AuthFailure() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Details returns the response body decoded as JSON when possible, for
// structured logging. A non-JSON body is wrapped under a "raw" key.
func (e *APIError) Details() any {
	if e.Body == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(e.Body), &decoded); err != nil {
		return map[string]string{"raw": e.Body}
	}
	return decoded
}

func transientStatus(status int) bool {
	switch status {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Session is the subset of the session resource the loop consumes.
type Session struct {
	Name    string   `json:"name"`
	ID      string   `json:"id"`
	Outputs []Output `json:"outputs"`
}

// Output is one entry of a session's outputs list.
type Output struct {
	PullRequest *PullRequest `json:"pullRequest"`
}

// PullRequest carries the URL of a PR produced by a session.
type PullRequest struct {
	URL string `json:"url"`
}

// PullRequestURL returns the first pull-request URL in the session's outputs,
// or "" if none has appeared yet.
func (s *Session) PullRequestURL() string {
	for _, out := range s.Outputs {
		if out.PullRequest != nil && out.PullRequest.URL != "" {
			return out.PullRequest.URL
		}
	}
	return ""
}

// CreateSessionRequest holds the inputs for a new autonomous session.
type CreateSessionRequest struct {
	Prompt         string
	Title          string
	Source         string
	StartingBranch string
}

type createSessionBody struct {
	Prompt         string        `json:"prompt"`
	Title          string        `json:"title"`
	AutomationMode string        `json:"automationMode"`
	SourceContext  sourceContext `json:"sourceContext"`
}

type sourceContext struct {
	Source            string            `json:"source"`
	GitHubRepoContext githubRepoContext `json:"githubRepoContext"`
}

type githubRepoContext struct {
	StartingBranch string `json:"startingBranch"`
}

// CreateSession starts a new session in autonomous PR-creation mode.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	body := createSessionBody{
		Prompt:         req.Prompt,
		Title:          req.Title,
		AutomationMode: "AUTO_CREATE_PR",
		SourceContext: sourceContext{
			Source: req.Source,
			GitHubRepoContext: githubRepoContext{
				StartingBranch: req.StartingBranch,
			},
		},
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1alpha/sessions", body, &session); err != nil {
		return nil, err
	}
	if session.Name == "" {
		return nil, &APIError{Status: http.StatusOK, Body: "session response missing name"}
	}
	return &session, nil
}

// GetSession fetches the current state of a session by resource name
// (e.g. "sessions/abc123").
func (c *Client) GetSession(ctx context.Context, name string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/v1alpha/"+name, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Validate checks the API key by listing sessions.
func (c *Client) Validate(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1alpha/sessions", nil, nil)
}

type sourcesResponse struct {
	Sources []struct {
		Name       string `json:"name"`
		GitHubRepo struct {
			Owner string `json:"owner"`
			Repo  string `json:"repo"`
		} `json:"githubRepo"`
	} `json:"sources"`
}

// DiscoverSource finds the Jules source resource connected to the given
// GitHub repository. Its name is required when creating sessions.
func (c *Client) DiscoverSource(ctx context.Context, owner, repo string) (string, error) {
	var sources sourcesResponse
	if err := c.do(ctx, http.MethodGet, "/v1alpha/sources", nil, &sources); err != nil {
		return "", err
	}
	for _, src := range sources.Sources {
		if src.GitHubRepo.Owner == owner && src.GitHubRepo.Repo == repo && src.Name != "" {
			return src.Name, nil
		}
	}
	return "", fmt.Errorf("no jules source found for %s/%s", owner, repo)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &APIError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Status: 0, Body: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
