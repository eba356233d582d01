package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RemoteError is a non-2xx response from a coordinator.
type RemoteError struct {
	Status  int
	Message string
	Aborted bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// Client drives a coordinator's HTTP control endpoints.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts an http(s) or ws(s) URL of the coordinator. Any path
// is dropped.
func NewClient(rawURL string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	case "":
		u, err = url.Parse("http://" + rawURL)
		if err != nil {
			return nil, fmt.Errorf("coordinator url: %w", err)
		}
	default:
		return nil, fmt.Errorf("coordinator url: unsupported scheme %q", u.Scheme)
	}
	u.Path, u.RawQuery = "", ""
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(u.String(), "/"), http: hc}, nil
}

// Checkpoint triggers a checkpoint and waits for its outcome.
func (c *Client) Checkpoint(ctx context.Context) (Result, error) {
	var res Result
	err := c.do(ctx, http.MethodPost, "/checkpoint", &res)
	return res, err
}

// Restart triggers a restart of the given checkpoint ("" for latest).
func (c *Client) Restart(ctx context.Context, opts RestartOptions) (Result, error) {
	q := url.Values{}
	if opts.CheckpointID != "" {
		q.Set("checkpoint", opts.CheckpointID)
	}
	q.Set("mode", opts.Mode.String())
	if len(opts.Participants) > 0 {
		names := make([]string, len(opts.Participants))
		for i, p := range opts.Participants {
			names[i] = string(p)
		}
		q.Set("participants", strings.Join(names, ","))
	}
	var res Result
	err := c.do(ctx, http.MethodPost, "/restart?"+q.Encode(), &res)
	return res, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var eb errorBody
		if json.Unmarshal(body, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(body))
		}
		return &RemoteError{Status: resp.StatusCode, Message: eb.Error, Aborted: eb.Aborted}
	}
	return json.Unmarshal(body, out)
}
