// Package client is a Go SDK for the notesync HTTP API
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/server"
)

// Client talks to one notesync node
type Client struct {
	baseURL *url.URL
	http    *http.Client

	// Lifecycle
	closed      atomic.Bool
	done        chan struct{}
	workerGroup sync.WaitGroup

	// Configuration and logging
	config Config
	logger log.Log
}

// Config holds configuration for the client
type Config struct {
	// ServerURL is the node's base URL, e.g. http://localhost:8080
	ServerURL      string
	Token          string
	RequestTimeout time.Duration
	// ReconnectInterval spaces out Watch reconnects.
	ReconnectInterval time.Duration
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerURL:         "http://localhost:8080",
		RequestTimeout:    10 * time.Second,
		ReconnectInterval: time.Second,
	}
}

// Note is a note as the server lists it
type Note = server.NoteResponse

// NewClient creates a client for config.ServerURL
func NewClient(config Config, logger log.Log) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.ServerURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid server url")
	}
	if logger == nil {
		logger = log.Provide()
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultClientConfig().ReconnectInterval
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: config.RequestTimeout},
		done:    make(chan struct{}),
		config:  config,
		logger:  logger.With(log.String("component", "client"), log.String("server", base.String())),
	}, nil
}

// Close stops every Watch
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.workerGroup.Wait()
	return nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// do sends a JSON request and decodes a JSON answer into out, if given
func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode response")
}

func (c *Client) AddCompany(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("companies"), server.NameRequest{Name: name}, nil)
}

func (c *Client) RemoveCompany(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("companies", name), nil, nil)
}

func (c *Client) ListCompanies(ctx context.Context) ([]string, error) {
	var resp server.NamesResponse
	err := c.do(ctx, http.MethodGet, c.endpoint("companies"), nil, &resp)
	return resp.Names, err
}

func (c *Client) AddBoard(ctx context.Context, company, board string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("companies", company, "boards"), server.NameRequest{Name: board}, nil)
}

func (c *Client) RemoveBoard(ctx context.Context, company, board string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("companies", company, "boards", board), nil, nil)
}

func (c *Client) ListBoards(ctx context.Context, company string) ([]string, error) {
	var resp server.NamesResponse
	err := c.do(ctx, http.MethodGet, c.endpoint("companies", company, "boards"), nil, &resp)
	return resp.Names, err
}

// AddNote appends a note and returns its position
func (c *Client) AddNote(ctx context.Context, company, board, content string) (string, error) {
	return c.insert(ctx, company, board, content, nil)
}

// InsertNoteAfter inserts after the note at position; an empty position
// inserts at the start of the board.
func (c *Client) InsertNoteAfter(ctx context.Context, company, board, position, content string) (string, error) {
	if position == "" {
		position = "start"
	}
	return c.insert(ctx, company, board, content, &position)
}

func (c *Client) insert(ctx context.Context, company, board, content string, after *string) (string, error) {
	var resp server.PositionResponse
	err := c.do(ctx, http.MethodPost, c.endpoint("companies", company, "boards", board, "notes"),
		server.NoteRequest{Content: content, After: after}, &resp)
	return resp.Position, err
}

// UpdateNote replaces the content of a note and returns its new position
func (c *Client) UpdateNote(ctx context.Context, company, board, position, content string) (string, error) {
	var resp server.PositionResponse
	err := c.do(ctx, http.MethodPut, c.endpoint("companies", company, "boards", board, "notes", position),
		server.NoteRequest{Content: content}, &resp)
	return resp.Position, err
}

func (c *Client) DeleteNote(ctx context.Context, company, board, position string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("companies", company, "boards", board, "notes", position), nil, nil)
}

func (c *Client) ListNotes(ctx context.Context, company, board string) ([]Note, error) {
	var resp server.NotesResponse
	err := c.do(ctx, http.MethodGet, c.endpoint("companies", company, "boards", board, "notes"), nil, &resp)
	return resp.Notes, err
}

func (c *Client) Status(ctx context.Context) (server.StatusResponse, error) {
	var resp server.StatusResponse
	err := c.do(ctx, http.MethodGet, c.endpoint("status"), nil, &resp)
	return resp, err
}

// Watch streams notifications for path to handler until ctx ends or the
// client closes, reconnecting after every drop. Each (re)connection starts
// with a notification carrying the full current state under path.
func (c *Client) Watch(ctx context.Context, path []string, handler bus.Handler) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.workerGroup.Add(1)
	go func() {
		defer c.workerGroup.Done()
		for {
			err := c.watchOnce(ctx, path, handler)
			if err != nil {
				c.logger.Warn("Event stream dropped", log.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(c.config.ReconnectInterval):
			}
		}
	}()
	return nil
}

func (c *Client) watchOnce(ctx context.Context, path []string, handler bus.Handler) error {
	u := *c.baseURL
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path += "/events"
	query := url.Values{"path": path}
	if c.config.Token != "" {
		query.Set("token", c.config.Token)
	}
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to open event stream")
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-stop:
			return
		}
		_ = conn.Close()
	}()

	for {
		var n bus.Notification
		if err = conn.ReadJSON(&n); err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "failed to read notification")
		}
		if err = handler(n); err != nil {
			c.logger.Debug("Watch handler failed", log.Error(err))
		}
	}
}
