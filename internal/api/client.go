package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/vici/internal/httputil"
	"github.com/banshee-data/vici/internal/valve"
)

// Client talks to a running server's JSON API.
type Client struct {
	BaseURL string
	HTTP    httputil.HTTPClient
}

// NewClient returns a client for the server at baseURL, e.g.
// "http://localhost:8080". A nil h uses http.DefaultClient.
func NewClient(baseURL string, h httputil.HTTPClient) *Client {
	if h == nil {
		h = httputil.NewStandardClient(nil)
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: h}
}

// RemoteError is a non-2xx answer from the server.
type RemoteError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RemoteError{StatusCode: resp.StatusCode}
		var er httputil.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
			rerr.Kind, rerr.Message = er.Kind, er.Error
		}
		if rerr.Message == "" {
			rerr.Message = http.StatusText(resp.StatusCode)
		}
		return rerr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) State(ctx context.Context) (valve.State, error) {
	var s valve.State
	err := c.do(ctx, http.MethodGet, "/api/state", nil, &s)
	return s, err
}

// Select moves the remote valve to port, a label or a 1-based index.
func (c *Client) Select(ctx context.Context, port string, dir valve.Direction) (valve.State, error) {
	req := SelectRequest{Port: PortText(port)}
	if dir != valve.Shortest {
		req.Direction = dir.String()
	}
	var s valve.State
	err := c.do(ctx, http.MethodPost, "/api/select", req, &s)
	return s, err
}

func (c *Client) Position(ctx context.Context, hard bool) (PositionResponse, error) {
	path := "/api/position"
	if hard {
		path += "?" + url.Values{"hard": {strconv.FormatBool(true)}}.Encode()
	}
	var p PositionResponse
	err := c.do(ctx, http.MethodGet, path, nil, &p)
	return p, err
}

func (c *Client) SendCommand(ctx context.Context, req CommandRequest) (string, error) {
	var resp CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/command", req, &resp)
	return resp.Response, err
}

// RecoverBaudRate asks the server to sweep baud rates and returns the model
// reply the valve finally answered with.
func (c *Client) RecoverBaudRate(ctx context.Context) (string, error) {
	var resp CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/recover-baud", nil, &resp)
	return resp.Response, err
}
