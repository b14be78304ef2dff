package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client is a minimal Jira REST client: it only reads issue statuses.
type Client struct {
	baseURL  string
	apiToken string
	httpc    *http.Client
}

// NewClient builds a client for a Jira instance.
func NewClient(baseURL, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		httpc:    &http.Client{Timeout: timeout},
	}
}

// IssueStatus fetches the status name of one issue. Error messages carry
// the markers the queue back-off policy classifies on: a missing issue is
// permanent, rate limiting and server errors are transient.
func (c *Client) IssueStatus(ctx context.Context, issueKey string) (string, error) {
	u := fmt.Sprintf("%s/rest/api/2/issue/%s?fields=status", c.baseURL, url.PathEscape(issueKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("jira: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("jira: fetch issue %s: %w", issueKey, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("jira: issue %s not found", issueKey)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("jira: unauthorized (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("jira: rate limit exceeded")
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("jira: service unavailable (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("jira: unexpected status %d for issue %s", resp.StatusCode, issueKey)
	}

	var body struct {
		Fields struct {
			Status struct {
				Name string `json:"name"`
			} `json:"status"`
		} `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("jira: decode issue %s: %w", issueKey, err)
	}
	if body.Fields.Status.Name == "" {
		return "", fmt.Errorf("jira: issue %s has no status field", issueKey)
	}
	return body.Fields.Status.Name, nil
}
