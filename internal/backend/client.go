// Package backend is the HTTP client for the Message Store.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/podyard/internal/models"
)

// Message Store endpoints, relative to the base URL.
const (
	MessagesPath  = "/api/messages"
	SendPath      = "/api/messages/send"
	PodsPath      = "/api/pods"
	PodsCheckPath = "/api/pods/check"
)

// StatusError reports a non-2xx response from the Message Store.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s: status %d", e.Method, e.URL, e.Code)
}

// Client talks to a Message Store over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string
	Timeout    time.Duration // 0 = no client-side timeout
	HTTPClient *http.Client  // overrides Timeout when set
}

// NewClient creates a Client for the store at opts.BaseURL.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
	}, nil
}

// BaseURL returns the store address this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchMessages returns the store's full message list.
func (c *Client) FetchMessages(ctx context.Context) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, MessagesPath, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SubmitMessage posts a new message. The response body is ignored.
func (c *Client) SubmitMessage(ctx context.Context, sub models.Submission) error {
	return c.do(ctx, http.MethodPost, SendPath, sub, nil)
}

// FetchPods returns the store's pod status table.
func (c *Client) FetchPods(ctx context.Context) ([]models.PodStatus, error) {
	var pods []models.PodStatus
	if err := c.do(ctx, http.MethodGet, PodsPath, nil, &pods); err != nil {
		return nil, err
	}
	return pods, nil
}

// CheckPods asks the store to recompute pod liveness.
func (c *Client) CheckPods(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, PodsCheckPath, nil, nil)
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	target := c.baseURL + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("backend: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: method, URL: target, Code: resp.StatusCode}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	return nil
}
