package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentrelay/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrStoreUnavailable is returned when the store cannot be reached after the
// configured retries.
var ErrStoreUnavailable = errors.New("store unavailable")

// ClientOptions tunes the store client.
type ClientOptions struct {
	Timeout       time.Duration // per-request timeout
	MaxRetries    int           // retries for writes
	RetryInterval time.Duration // initial backoff interval
	HTTPClient    *http.Client  // optional; overrides Timeout
}

// Client talks to the feed/state store over HTTP.
type Client struct {
	baseURL       string
	http          *http.Client
	maxRetries    int
	retryInterval time.Duration
}

// NewClient creates a store client for baseURL (e.g. http://localhost:8000/api).
func NewClient(baseURL string, opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          hc,
		maxRetries:    opts.MaxRetries,
		retryInterval: interval,
	}
}

// Messages fetches the full feed. It does not retry: the poller retries on
// its next tick.
func (c *Client) Messages(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := c.do(ctx, http.MethodGet, "/messages", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Post appends a message to the feed and returns the stored entry. Every
// attempt carries the same request id, so a retry after a lost response
// returns the committed entry instead of appending a duplicate.
func (c *Client) Post(ctx context.Context, sender, body string) (Entry, error) {
	var stored Entry
	msg := Post{Sender: sender, Body: body, RequestID: uuid.NewString()}
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/messages", msg, &stored)
	})
	if err != nil {
		return Entry{}, err
	}
	return stored, nil
}

// State fetches the shared status document.
func (c *Client) State(ctx context.Context) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if err := c.do(ctx, http.MethodGet, "/state", nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateState deep-merges patch into the shared status document.
func (c *Client) UpdateState(ctx context.Context, patch map[string]interface{}) error {
	return c.retry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/state", patch, nil)
	})
}

// WaitReady blocks until the store answers a feed read or maxWait elapses.
// It returns the highest id currently in the feed.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	var last int64
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		entries, err := c.Messages(ctx)
		if err != nil {
			logging.StoreWarn("Waiting for store at %s (attempt %d): %v", c.baseURL, attempt, err)
			return err
		}
		last = MaxID(entries)
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return last, nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.maxRetries, 0))), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code < 500 {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// StatusError is a non-2xx response from the store.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store returned %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode < 500 {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
