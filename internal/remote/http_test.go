package remote

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   string
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, q, string(body)})
	h := f.handler
	f.mu.Unlock()
	h(w, r)
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestHTTPStore(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) (*HTTPStore, *fakeServer) {
	t.Helper()
	fs := &fakeServer{handler: h}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	s, err := NewHTTPStore(HTTPConfig{
		BaseURL:   srv.URL + "/",
		AuthToken: "secret",
		Timeout:   time.Second,
		Retry:     RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s, fs
}

func TestNewHTTPStore_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPStore(HTTPConfig{BaseURL: "ftp://example.com"}, nil)
	assert.Error(t, err)
}

func TestHTTPStore_GetNullIsNotFound(t *testing.T) {
	s, fs := newTestHTTPStore(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "null")
	})
	_, ok, err := s.Get(ctx, "users/u1/syncSettings")
	require.NoError(t, err)
	assert.False(t, ok)

	req := fs.requests[0]
	assert.Equal(t, "/users/u1/syncSettings.json", req.Path)
	assert.Equal(t, "secret", req.Query["auth"])
}

func TestHTTPStore_MultiUpdateIsOnePatchOnRoot(t *testing.T) {
	s, fs := newTestHTTPStore(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "{}")
	})
	err := s.MultiUpdate(ctx, map[string]any{
		"users/u1/emotionHistory/a": map[string]any{"id": "a"},
		"users/u1/emotionHistory/b": nil,
	})
	require.NoError(t, err)

	require.Equal(t, 1, fs.count())
	req := fs.requests[0]
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "/.json", req.Path)
	assert.JSONEq(t, `{"users/u1/emotionHistory/a":{"id":"a"},"users/u1/emotionHistory/b":null}`, req.Body)
}

func TestHTTPStore_GetRangeSortsByTimestamp(t *testing.T) {
	s, fs := newTestHTTPStore(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"z": map[string]any{"id": "z", "timestamp": 150},
			"y": map[string]any{"id": "y", "timestamp": 120},
		})
	})
	got, err := s.GetRange(ctx, "users/u1/emotionHistory", 100, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "y", idOf(t, got[0]))
	assert.Equal(t, "z", idOf(t, got[1]))

	q := fs.requests[0].Query
	assert.Equal(t, `"timestamp"`, q["orderBy"])
	assert.Equal(t, "101", q["startAt"])
	assert.Equal(t, "50", q["limitToFirst"])
}

func TestHTTPStore_GetLatestAsksForTheTail(t *testing.T) {
	s, fs := newTestHTTPStore(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"n": map[string]any{"id": "n", "timestamp": 900},
			"m": map[string]any{"id": "m", "timestamp": 800},
		})
	})
	got, err := s.GetLatest(ctx, "users/u1/emotionHistory", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m", idOf(t, got[0]))
	assert.Equal(t, "n", idOf(t, got[1]))

	q := fs.requests[0].Query
	assert.Equal(t, `"timestamp"`, q["orderBy"])
	assert.Equal(t, "2", q["limitToLast"])
	assert.NotContains(t, q, "startAt")
	assert.NotContains(t, q, "limitToFirst")
}

func TestHTTPStore_GetAtUsesEqualTo(t *testing.T) {
	s, fs := newTestHTTPStore(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "null")
	})
	got, err := s.GetAt(ctx, "users/u1/emotionHistory", 1000)
	require.NoError(t, err)
	assert.Empty(t, got)

	q := fs.requests[0].Query
	assert.Equal(t, `"timestamp"`, q["orderBy"])
	assert.Equal(t, "1000", q["equalTo"])
}

func TestHTTPStore_PermanentErrorNotRetried(t *testing.T) {
	s, fs := newTestHTTPStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Permission denied"}`)
	})
	err := s.MultiUpdate(ctx, map[string]any{"a": 1})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Permission denied", se.Body)
	assert.Equal(t, 1, fs.count())
	assert.True(t, s.IsConnected(), "an HTTP answer means the server is reachable")
}

func TestHTTPStore_ServerErrorRetried(t *testing.T) {
	calls := 0
	s, fs := newTestHTTPStore(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"id":"a"}`)
	})
	raw, ok, err := s.Get(ctx, "users/u1/emotionHistory/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"a"}`, string(raw))
	assert.Equal(t, 3, fs.count())
}

func TestHTTPStore_TransportFailureMarksDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := NewHTTPStore(HTTPConfig{
		BaseURL: url,
		Retry:   RetryPolicy{MaxAttempts: 1},
	}, nil)
	require.NoError(t, err)
	require.True(t, s.IsConnected())

	_, _, err = s.Get(ctx, "a")
	assert.Error(t, err)
	assert.False(t, s.IsConnected())
	assert.Error(t, s.Ping(ctx, "a"))
}
