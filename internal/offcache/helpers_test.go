package offcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
)

const testOrigin = "https://app.test"

var errOffline = errors.New("network unreachable")

// fakeFetcher serves canned responses keyed by absolute URL. Unknown URLs
// fail like a network error. When gate is set, every fetch waits on it.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]Response
	failures  map[string]error
	offline   bool
	gate      chan struct{}
	calls     []string
	bodies    []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]Response{}, failures: map[string]error{}}
}

func (f *fakeFetcher) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = Response{
		URL:    url,
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = err
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	gate := f.gate
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	f.mu.Unlock()

	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(b))
		f.mu.Unlock()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u := req.URL.String()
	if f.offline {
		return nil, errOffline
	}
	if err, ok := f.failures[u]; ok {
		return nil, err
	}
	resp, ok := f.responses[u]
	if !ok {
		return nil, errOffline
	}
	out := resp.Clone()
	return &out, nil
}

type fakeClient struct {
	id  string
	err error

	mu       sync.Mutex
	messages []Message
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) PostMessage(_ context.Context, msg Message) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeClient) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

type fakeRuntime struct {
	mu          sync.Mutex
	skipWaiting int
	claims      int
	clients     []Client
}

func (rt *fakeRuntime) SkipWaiting() {
	rt.mu.Lock()
	rt.skipWaiting++
	rt.mu.Unlock()
}

func (rt *fakeRuntime) Claim(context.Context) error {
	rt.mu.Lock()
	rt.claims++
	rt.mu.Unlock()
	return nil
}

func (rt *fakeRuntime) MatchAll(context.Context) ([]Client, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]Client(nil), rt.clients...), nil
}

func (rt *fakeRuntime) counts() (skip, claims int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.skipWaiting, rt.claims
}

func testConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = testOrigin
	cfg.Storage.Driver = "memory"
	cfg.Install.Assets = []string{"/", "/index.html"}
	cfg, err := cfg.Normalize()
	if err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	return cfg
}

// seedAssets makes every configured asset answer 200 with its path as body.
func seedAssets(f *fakeFetcher, cfg Config) {
	for _, p := range cfg.Install.Assets {
		f.set(testOrigin+p, http.StatusOK, "asset "+p)
	}
}

func newTestManager(t *testing.T, cfg Config, storage CacheStorage, f Fetcher, rt Runtime) *Manager {
	t.Helper()
	m, err := NewManager(cfg, storage, f, rt, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func mustRequest(t *testing.T, rawURL string, mode RequestMode) *Request {
	t.Helper()
	req, err := NewRequest(rawURL, mode)
	if err != nil {
		t.Fatalf("new request %s: %v", rawURL, err)
	}
	return req
}

func bucketKeys(t *testing.T, s CacheStorage, name string) []string {
	t.Helper()
	b, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := b.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	return keys
}

func matchBody(t *testing.T, s CacheStorage, name, key string) (string, bool) {
	t.Helper()
	b, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	resp, ok, err := b.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match %s: %v", key, err)
	}
	return string(resp.Body), ok
}
