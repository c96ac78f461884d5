package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/ident"
)

// Client is an HTTP client for the agent runtime server. Prompt output is
// streamed as newline-delimited JSON events.
type Client struct {
	baseURL string
	dir     string
	http    *http.Client
}

// ClientOpts holds parameters for creating a runtime client.
type ClientOpts struct {
	BaseURL    string
	WorkingDir string
	// For testing: inject a custom HTTP client.
	HTTPClient *http.Client
}

// NewClient creates a runtime client rooted at the given working directory.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("agent: base URL is required")
	}
	if opts.WorkingDir == "" {
		return nil, fmt.Errorf("agent: working directory is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("agent: parse base URL: %w", err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		// No overall timeout: prompt streams are long-lived. Cancellation
		// comes from the request context.
		hc = &http.Client{}
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		dir:     opts.WorkingDir,
		http:    hc,
	}, nil
}

// ListModels fetches the models the runtime can serve.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var out []Model
	if err := c.getJSON(ctx, "/models", &out); err != nil {
		return nil, fmt.Errorf("agent: list models: %w", err)
	}
	return out, nil
}

// CreateSession creates a new runtime session for the given model.
func (c *Client) CreateSession(ctx context.Context, model string) (SessionInfo, error) {
	if model == "" {
		return SessionInfo{}, fmt.Errorf("agent: model is required")
	}

	body, _ := json.Marshal(map[string]string{
		"model":     model,
		"directory": c.dir,
	})

	var out SessionInfo
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return SessionInfo{}, fmt.Errorf("agent: create session: %w", err)
	}
	if out.ID == "" {
		return SessionInfo{}, fmt.Errorf("agent: create session: runtime returned no session ID")
	}
	return out, nil
}

// ListSessions fetches all sessions the runtime currently holds.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := c.getJSON(ctx, "/sessions", &out); err != nil {
		return nil, fmt.Errorf("agent: list sessions: %w", err)
	}
	return out, nil
}

// GetSession fetches one session by ID.
func (c *Client) GetSession(ctx context.Context, id ident.RemoteSessionID) (SessionInfo, error) {
	if id == "" {
		return SessionInfo{}, fmt.Errorf("agent: session ID is required")
	}
	var out SessionInfo
	if err := c.getJSON(ctx, "/sessions/"+url.PathEscape(id.String()), &out); err != nil {
		return SessionInfo{}, fmt.Errorf("agent: get session %s: %w", id, err)
	}
	return out, nil
}

// SendPrompt submits a prompt to a session and returns the output stream.
// The caller owns the stream and must Close it.
func (c *Client) SendPrompt(ctx context.Context, id ident.RemoteSessionID, content, model string) (Stream, error) {
	if id == "" {
		return nil, fmt.Errorf("agent: session ID is required")
	}

	body, _ := json.Marshal(map[string]string{
		"content": content,
		"model":   model,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sessions/"+url.PathEscape(id.String())+"/prompt",
		bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent: send prompt: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: send prompt: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("agent: send prompt: %s", readError(resp))
	}

	return newNDJSONStream(resp.Body), nil
}

// DeleteSession removes a session from the runtime.
func (c *Client) DeleteSession(ctx context.Context, id ident.RemoteSessionID) error {
	if id == "" {
		return fmt.Errorf("agent: session ID is required")
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id.String()), nil, nil); err != nil {
		return fmt.Errorf("agent: delete session %s: %w", id, err)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s", readError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readError extracts a useful message from a non-2xx response body.
func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}

// streamMaxLine bounds a single NDJSON event line (1MB).
const streamMaxLine = 1024 * 1024

// streamEvent is one NDJSON line from a prompt stream.
type streamEvent struct {
	Type      string          `json:"type"` // content, reasoning, part, error, done
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	Part      json.RawMessage `json:"part,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ndjsonStream reads prompt output events line by line.
type ndjsonStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newNDJSONStream(body io.ReadCloser) *ndjsonStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), streamMaxLine)
	return &ndjsonStream{body: body, scanner: sc}
}

// Recv returns the next output unit. Malformed lines are skipped; a "done"
// event or end of body yields io.EOF; an "error" event surfaces as an error.
func (s *ndjsonStream) Recv() (Update, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var evt streamEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "content":
			return Update{Content: evt.Content}, nil
		case "reasoning":
			return Update{Reasoning: evt.Reasoning}, nil
		case "part":
			return Update{Part: []byte(evt.Part)}, nil
		case "error":
			return Update{}, fmt.Errorf("agent: stream error: %s", evt.Error)
		case "done":
			return Update{}, io.EOF
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Update{}, fmt.Errorf("agent: read stream: %w", err)
	}
	return Update{}, io.EOF
}

// Close discards the remainder of the stream and releases the connection.
func (s *ndjsonStream) Close() error {
	io.Copy(io.Discard, io.LimitReader(s.body, streamMaxLine))
	return s.body.Close()
}

// WaitReady polls the runtime until it answers a models request or the
// deadline passes. Used at startup when the runtime server and the worker
// race to come up.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := c.ListModels(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent: runtime at %s not ready after %s", c.baseURL, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
