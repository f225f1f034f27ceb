package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"DiffBuddy/internal/config"
	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/ports"
)

const (
	apiVersion = "2022-11-28"
	diffAccept = "application/vnd.github.v3.diff"
	jsonAccept = "application/vnd.github+json"
)

// Client resolves pull request head revisions and diffs over the GitHub REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ ports.RevisionSource = (*Client)(nil)

// NewClient builds a client from configuration; httpClient may be nil.
func NewClient(cfg config.GitHubConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
	}
}

// ResolveFingerprint returns the head commit SHA of the pull request.
func (c *Client) ResolveFingerprint(ctx context.Context, key domain.Key) (string, error) {
	body, err := c.get(ctx, key, jsonAccept)
	if err != nil {
		return "", err
	}

	var pull struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := json.Unmarshal(body, &pull); err != nil {
		return "", fmt.Errorf("decode pull %s: %w", key, err)
	}

	if pull.Head.SHA == "" {
		return "", fmt.Errorf("pull %s: %w", key, domain.ErrMissingRevision)
	}
	return pull.Head.SHA, nil
}

// FetchContent downloads the unified diff of the pull request.
func (c *Client) FetchContent(ctx context.Context, key domain.Key, fingerprint string) (string, error) {
	body, err := c.get(ctx, key, diffAccept)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) get(ctx context.Context, key domain.Key, accept string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls/%d",
		c.baseURL, url.PathEscape(key.Source), url.PathEscape(key.Collection), key.Number)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get pull %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("pull %s: %w", key, domain.ErrNotFound)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("github error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read pull %s: %w", key, err)
	}
	return body, nil
}
