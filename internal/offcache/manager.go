package offcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Worker receives the lifecycle events of one worker version.
type Worker interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, req *Request) (Result, error)
	Sync(ctx context.Context, tag string) error
	Message(ctx context.Context, msg Message) error
}

// Runtime is the host seen from a worker.
type Runtime interface {
	// SkipWaiting asks the host to activate this version without waiting
	// for controlled clients to go away.
	SkipWaiting()
	// Claim makes this version the controller of every open client.
	Claim(ctx context.Context) error
	MatchAll(ctx context.Context) ([]Client, error)
}

// Client is a page controlled by the worker.
type Client interface {
	ID() string
	PostMessage(ctx context.Context, msg Message) error
}

// Manager is the offline cache manager. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	storage CacheStorage
	fetcher Fetcher
	rt      Runtime
	log     *zap.Logger
	stats   *statsCollector

	refreshes  singleflight.Group
	bgSem      chan struct{}
	wg         sync.WaitGroup
	refreshLog *rateLimitedLogger

	mu     sync.Mutex
	bucket Bucket
	closed bool
}

var _ Worker = (*Manager)(nil)

func NewManager(cfg Config, storage CacheStorage, fetcher Fetcher, rt Runtime, logger *zap.Logger) (*Manager, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("cache", cfg.CacheName))
	return &Manager{
		cfg:        cfg,
		storage:    storage,
		fetcher:    fetcher,
		rt:         rt,
		log:        logger,
		bgSem:      make(chan struct{}, cfg.Fetch.RefreshConcurrency),
		refreshLog: newRateLimitedLogger(logger, time.Minute),
	}, nil
}

func (m *Manager) CacheName() string { return m.cfg.CacheName }

// Wait blocks until every background refresh started so far has finished.
// Fetches may keep starting new ones; use Close to stop that.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops new background refreshes and waits for the running ones.
// Fetch keeps working afterwards, it just no longer refreshes hits.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

// open returns the current bucket. The handle is kept for the life of the
// manager, so late refreshes keep writing to it even after it was deleted.
func (m *Manager) open(ctx context.Context) (Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucket != nil {
		return m.bucket, nil
	}
	b, err := m.storage.Open(ctx, m.cfg.CacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", m.cfg.CacheName, err)
	}
	m.bucket = b
	return b, nil
}

func (m *Manager) Install(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.installTimeout)
	defer cancel()

	m.log.Info("installing")
	bucket, err := m.open(ctx)
	if err != nil {
		return err
	}
	paths, err := m.assetPaths(ctx)
	if err != nil {
		return fmt.Errorf("install %s: %w", m.cfg.CacheName, err)
	}

	entries := make([]Entry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range paths {
		g.Go(func() error {
			u, err := m.cfg.Resolve(p)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			req := &Request{Method: http.MethodGet, URL: u, Mode: ModeCORS, Header: make(http.Header)}
			resp, err := m.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("precache %s: %w %d", p, ErrBadStatus, resp.Status)
			}
			entries[i] = Entry{Key: req.Key(), Response: *resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("install %s: %w", m.cfg.CacheName, err)
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("install %s: store assets: %w", m.cfg.CacheName, err)
	}
	m.log.Info("static assets cached", zap.Int("assets", len(entries)))

	if !m.cfg.Install.WaitForClients {
		m.rt.SkipWaiting()
	}
	return nil
}

func (m *Manager) Activate(ctx context.Context) error {
	m.log.Info("activating")
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	// plain group: one failed delete must not cancel the others
	var g errgroup.Group
	for _, name := range names {
		if name == m.cfg.CacheName {
			continue
		}
		g.Go(func() error {
			m.log.Info("removing stale cache", zap.String("stale", name))
			if _, err := m.storage.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.rt.Claim(ctx)
}

func (m *Manager) Fetch(ctx context.Context, req *Request) (Result, error) {
	if m.cfg.isExcludedHost(req.URL.Hostname()) {
		m.observe(StatusBypass, nil)
		return Result{Status: StatusBypass}, nil
	}
	if req.Mode == ModeNavigate {
		return m.networkFirst(ctx, req)
	}
	if req.method() != http.MethodGet {
		// the cache only keys GET requests
		resp, err := m.fetcher.Fetch(ctx, req)
		if err != nil {
			return Result{}, err
		}
		m.observe(StatusNetwork, resp)
		return Result{Response: resp, Status: StatusNetwork}, nil
	}
	return m.cacheFirst(ctx, req)
}

func (m *Manager) networkFirst(ctx context.Context, req *Request) (Result, error) {
	resp, netErr := m.fetcher.Fetch(ctx, req)
	if netErr == nil {
		m.observe(StatusNetwork, resp)
		return Result{Response: resp, Status: StatusNetwork}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	u, err := m.cfg.Resolve(m.cfg.Fetch.Fallback)
	if err != nil {
		return Result{}, err
	}
	cached, ok, err := m.match(ctx, requestKey(http.MethodGet, u))
	if err != nil {
		return Result{}, errors.Join(netErr, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("navigate %s: %w: %w", req.URL, ErrOffline, netErr)
	}
	m.log.Debug("navigation served from cache", zap.String("url", req.URL.String()), zap.Error(netErr))
	m.observe(StatusFallback, &cached)
	return Result{Response: &cached, Status: StatusFallback}, nil
}

func (m *Manager) cacheFirst(ctx context.Context, req *Request) (Result, error) {
	key := req.Key()
	cached, ok, err := m.match(ctx, key)
	if err != nil {
		m.log.Warn("cache lookup failed, using network", zap.String("key", key), zap.Error(err))
	}
	if ok {
		m.refreshAsync(req, key)
		m.observe(StatusHit, &cached)
		return Result{Response: &cached, Status: StatusHit}, nil
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !m.cfg.isSuccess(resp.Status) {
		m.observe(StatusNetwork, resp)
		return Result{Response: resp, Status: StatusNetwork}, nil
	}
	if err := m.put(ctx, key, *resp); err != nil {
		m.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	m.observe(StatusMiss, resp)
	return Result{Response: resp, Status: StatusMiss}, nil
}

// match looks key up in the current bucket.
func (m *Manager) match(ctx context.Context, key string) (Response, bool, error) {
	b, err := m.open(ctx)
	if err != nil {
		return Response{}, false, err
	}
	return b.Match(ctx, key)
}

func (m *Manager) put(ctx context.Context, key string, resp Response) error {
	b, err := m.open(ctx)
	if err != nil {
		return err
	}
	return b.Put(ctx, key, resp)
}

// refreshAsync re-fetches a cache hit in the background. It never reports to
// the caller: the cached response was already returned.
func (m *Manager) refreshAsync(req *Request, key string) {
	u := *req.URL
	r := &Request{Method: http.MethodGet, URL: &u, Mode: req.Mode, Header: cloneHeader(req.Header)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	// Add under mu so it cannot race with the Wait in Close
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		_, err, _ := m.refreshes.Do(key, func() (any, error) {
			m.bgSem <- struct{}{}
			defer func() { <-m.bgSem }()

			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.refreshTimeout)
			defer cancel()
			return nil, m.refresh(ctx, r, key)
		})
		if err != nil {
			discardRefreshError(m.refreshLog, r.URL, err)
		}
	}()
}

func (m *Manager) refresh(ctx context.Context, req *Request, key string) error {
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !m.cfg.isSuccess(resp.Status) {
		return nil
	}
	if err := m.put(ctx, key, *resp); err != nil {
		return err
	}
	m.observe("refreshed", nil)
	return nil
}

// discardRefreshError is where background refresh failures end. They are
// never retried or surfaced.
func discardRefreshError(log *rateLimitedLogger, u *url.URL, err error) {
	log.Debug("background refresh failed", zap.String("url", u.String()), zap.Error(err))
}

func (m *Manager) Sync(ctx context.Context, tag string) error {
	m.log.Info("background sync", zap.String("tag", tag))
	if tag != m.cfg.Sync.Tag {
		return nil
	}
	clients, err := m.rt.MatchAll(ctx)
	if err != nil {
		return fmt.Errorf("match clients: %w", err)
	}
	for _, c := range clients {
		if err := c.PostMessage(ctx, Message{Type: MessageSyncData}); err != nil {
			m.log.Debug("sync notification not delivered", zap.String("client", c.ID()), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) Message(_ context.Context, msg Message) error {
	if msg.Type == MessageSkipWaiting {
		m.rt.SkipWaiting()
	}
	return nil
}

func (m *Manager) observe(status string, resp *Response) {
	if m.stats == nil {
		return
	}
	size := -1
	if resp != nil {
		size = len(resp.Body)
	}
	m.stats.Observe(status, size)
}
