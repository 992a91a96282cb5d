package remote

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// HTTPConfig configures an [HTTPStore].
type HTTPConfig struct {
	// BaseURL is the database root, e.g. https://example.firebaseio.com.
	BaseURL string
	// AuthToken is sent as the auth query parameter when set.
	AuthToken string
	// Timeout bounds each HTTP request. Zero selects 15s.
	Timeout time.Duration
	Retry   RetryPolicy
}

// HTTPStore is the REST client for the remote tree.
type HTTPStore struct {
	base      *url.URL
	auth      string
	client    *http.Client
	retry     RetryPolicy
	logger    *slog.Logger
	connected atomic.Bool
}

// NewHTTPStore validates cfg and returns a client. The store reports itself
// connected until a request fails at the transport level.
func NewHTTPStore(cfg HTTPConfig, logger *slog.Logger) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q must be http or https", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPStore{
		base:   u,
		auth:   cfg.AuthToken,
		client: &http.Client{Timeout: cmp.Or(cfg.Timeout, 15*time.Second)},
		retry:  cfg.Retry.withDefaults(),
		logger: logger,
	}
	s.connected.Store(true)
	return s, nil
}

// IsConnected reports whether the last request reached the server.
func (s *HTTPStore) IsConnected() bool {
	return s.connected.Load()
}

// Get fetches the JSON value at path. The REST API answers "null" for
// missing paths.
func (s *HTTPStore) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	body, err := s.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", path, err)
	}
	if isNull(body) {
		return nil, false, nil
	}
	return body, true, nil
}

// MultiUpdate sends all updates as one PATCH on the root, which the server
// applies atomically. nil values delete.
func (s *HTTPStore) MultiUpdate(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("encoding multi-path update: %w", err)
	}
	if _, err := s.do(ctx, http.MethodPatch, "", nil, payload); err != nil {
		return fmt.Errorf("multi-path update of %d paths: %w", len(updates), err)
	}
	return nil
}

// GetRange queries the children of path ordered by their timestamp child,
// strictly after since, oldest first.
func (s *HTTPStore) GetRange(ctx context.Context, path string, since int64, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("startAt", strconv.FormatInt(since+1, 10))
	if limit > 0 {
		q.Set("limitToFirst", strconv.Itoa(limit))
	}
	return s.query(ctx, path, q)
}

// GetLatest queries the limit children of path with the greatest timestamp.
// They are returned oldest first like every other range result.
func (s *HTTPStore) GetLatest(ctx context.Context, path string, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limitToLast", strconv.Itoa(limit))
	}
	return s.query(ctx, path, q)
}

// GetAt queries every child of path whose timestamp equals ts.
func (s *HTTPStore) GetAt(ctx context.Context, path string, ts int64) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("equalTo", strconv.FormatInt(ts, 10))
	return s.query(ctx, path, q)
}

// query runs a timestamp-ordered query and sorts the result by
// (timestamp, key).
func (s *HTTPStore) query(ctx context.Context, path string, q url.Values) ([]json.RawMessage, error) {
	q.Set("orderBy", `"timestamp"`)
	body, err := s.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, fmt.Errorf("range query on %s: %w", path, err)
	}
	if isNull(body) {
		return nil, nil
	}

	var children map[string]json.RawMessage
	if err := json.Unmarshal(body, &children); err != nil {
		return nil, fmt.Errorf("decoding range result for %s: %w", path, err)
	}

	// Query results come back as an object; key order is not meaningful.
	type entry struct {
		key string
		ts  int64
		raw json.RawMessage
	}
	entries := make([]entry, 0, len(children))
	for k, raw := range children {
		var head struct {
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			s.logger.Warn("range result child has no readable timestamp", "path", path, "key", k, "error", err)
		}
		entries = append(entries, entry{k, head.Timestamp, raw})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Or(cmp.Compare(a.ts, b.ts), cmp.Compare(a.key, b.key))
	})

	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.raw
	}
	return out, nil
}

// Ping issues a shallow read of path to test reachability.
func (s *HTTPStore) Ping(ctx context.Context, path string) error {
	q := url.Values{}
	q.Set("shallow", "true")
	req, err := s.newRequest(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.setConnected(false)
		return fmt.Errorf("ping: %w", err)
	}
	_ = resp.Body.Close()
	s.setConnected(true)
	if resp.StatusCode >= 500 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, q url.Values, payload []byte) (json.RawMessage, error) {
	var body []byte
	err := Retry(ctx, s.retry, func() error {
		req, err := s.newRequest(ctx, method, path, q, payload)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			s.setConnected(false)
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		s.setConnected(true)

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Code: resp.StatusCode, Body: errorMessage(b)}
		}
		body = b
		return nil
	})
	return body, err
}

func (s *HTTPStore) newRequest(ctx context.Context, method, path string, q url.Values, payload []byte) (*http.Request, error) {
	u := *s.base
	u.Path = strings.TrimRight(s.base.Path, "/") + "/" + strings.Join(split(path), "/") + ".json"
	u.RawPath = ""

	vals := url.Values{}
	for k, v := range q {
		vals[k] = v
	}
	if s.auth != "" {
		vals.Set("auth", s.auth)
	}
	u.RawQuery = vals.Encode()

	var r io.Reader
	if payload != nil {
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (s *HTTPStore) setConnected(ok bool) {
	if s.connected.Swap(ok) != ok {
		s.logger.Info("remote store connectivity changed", "connected", ok)
	}
}

func isNull(b []byte) bool {
	return len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}

// errorMessage extracts {"error": "..."} bodies, falling back to the raw text.
func errorMessage(b []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	msg := strings.TrimSpace(string(b))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
