// Package scm talks to source hosts: commit status callbacks and
// collaborator checks for triggered builds.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"keel/apperr"
)

// Commit status states understood by GitHub-compatible hosts.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

type Status struct {
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	TargetURL   string `json:"target_url,omitempty"`
	Context     string `json:"context,omitempty"`
}

// APIError is a non-2xx answer from the source host.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scm: HTTP %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http *http.Client
}

func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{http: hc}
}

// Notify posts a commit status to statusURL. An empty URL is a no-op.
func (c *Client) Notify(ctx context.Context, statusURL, token string, st Status) error {
	if statusURL == "" {
		return nil
	}
	if st.Context == "" {
		st.Context = "keel"
	}
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, statusURL, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, err, "status url")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeNetwork, err, "post status")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Verify reports whether the actor behind collabURL may trigger builds.
// GitHub answers 204 for collaborators and 404 otherwise. An empty URL
// means the trigger did not ask for a check.
func (c *Client) Verify(ctx context.Context, collabURL, token string) (bool, error) {
	if collabURL == "" {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, collabURL, nil)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInvalidInput, err, "collaborator url")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeNetwork, err, "check collaborator")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, &APIError{StatusCode: resp.StatusCode}
}
