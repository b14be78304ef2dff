package teamsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client reads group membership from the directory service.
type Client struct {
	baseURL  string
	apiToken string
	httpc    *http.Client
}

// NewClient builds a directory client.
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

// GroupMembers fetches the member emails of one directory group. Error
// messages carry the markers the queue back-off policy classifies on.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	u := fmt.Sprintf("%s/groups/%s/members", c.baseURL, url.PathEscape(groupID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("teamsync: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("teamsync: fetch group %s: %w", groupID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("teamsync: group %s not found", groupID)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("teamsync: unauthorized (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("teamsync: rate limit exceeded")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("teamsync: service unavailable (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("teamsync: unexpected status %d for group %s", resp.StatusCode, groupID)
	}

	var body struct {
		Members []struct {
			Email string `json:"email"`
		} `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("teamsync: decode group %s: %w", groupID, err)
	}

	emails := make([]string, 0, len(body.Members))
	for _, m := range body.Members {
		if m.Email != "" {
			emails = append(emails, m.Email)
		}
	}
	return emails, nil
}
