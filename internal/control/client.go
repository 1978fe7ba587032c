// SPDX-License-Identifier: MPL-2.0

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/invowk/sockserve/internal/issue"
)

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("control token rejected")

type (
	// Client talks to a control Server.
	Client struct {
		baseURL string
		token   AuthToken
		client  *http.Client
	}

	// StatusError is returned for non-2xx responses other than 401.
	StatusError struct {
		StatusCode int
		Message    string
	}
)

// NewClientFromEnv creates a Client from SOCKSERVE_CONTROL_ADDRESS and
// SOCKSERVE_CONTROL_TOKEN. Returns nil if either is unset.
func NewClientFromEnv() *Client {
	addr := os.Getenv(EnvControlAddr)
	token := os.Getenv(EnvControlToken)
	if addr == "" || token == "" {
		return nil
	}
	return NewClient(addr, AuthToken(token))
}

// NewClient creates a Client. addr may be "host:port" or a full URL.
func NewClient(addr string, token AuthToken) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Error implements the error interface for StatusError.
func (e *StatusError) Error() string {
	return fmt.Sprintf("control server error (%d): %s", e.StatusCode, e.Message)
}

// IsAvailable reports whether the health endpoint answers.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if c == nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Services lists every service known to the server.
func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var resp ServicesResponse
	if err := c.do(ctx, http.MethodGet, PathServices, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// Service returns the status of one service.
func (c *Client) Service(ctx context.Context, name string) (ServiceStatus, error) {
	var resp ServiceStatus
	err := c.do(ctx, http.MethodGet, PathServices+"/"+url.PathEscape(name), &resp)
	return resp, err
}

// Apply asks the server to perform transition on service name.
func (c *Client) Apply(ctx context.Context, name, transition string) (TransitionResponse, error) {
	var resp TransitionResponse
	path := PathServices + "/" + url.PathEscape(name) + "/" + url.PathEscape(transition)
	err := c.do(ctx, http.MethodPost, path, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("reach control server").
			WithResource(c.baseURL).
			WithIssue(issue.ControlUnreachableId).
			Wrap(err).
			BuildError()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return issue.NewErrorContext().
			WithOperation("authenticate with control server").
			WithResource(c.baseURL).
			WithIssue(issue.ControlUnauthorizedId).
			Wrap(ErrUnauthorized).
			BuildError()
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var e ErrorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
