package offcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ControlPrefix is where the host's own endpoints live.
const ControlPrefix = "/_offcache"

// Service puts a Registration in front of the origin as an HTTP proxy.
type Service struct {
	cfg     Config
	log     *zap.Logger
	storage CacheStorage
	fetcher *HTTPFetcher
	hub     *ClientHub
	reg     *Registration
	stats   *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService opens the configured storage and registers the first worker
// version. A failed first install does not prevent startup: requests pass
// through to the network until a retry succeeds.
func NewService(ctx context.Context, cfg Config, logger *zap.Logger) (*Service, error) {
	storage, err := OpenStorage(cfg, logger)
	if err != nil {
		return nil, err
	}
	s, err := newService(ctx, cfg, storage, NewHTTPFetcher(cfg), logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return s, nil
}

func newService(ctx context.Context, cfg Config, storage CacheStorage, fetcher *HTTPFetcher, logger *zap.Logger) (*Service, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewClientHub(logger.Named("clients"))
	s := &Service{
		cfg:     cfg,
		log:     logger,
		storage: storage,
		fetcher: fetcher,
		hub:     hub,
		reg:     NewRegistration(storage, fetcher, hub, logger.Named("worker")),
		stopCh:  make(chan struct{}),
	}

	if cfg.statsEvery > 0 {
		s.stats = newStatsCollector()
		s.reg.stats = s.stats
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEvery)
		}()
	}

	if err := s.reg.Register(ctx, cfg); err != nil {
		logger.Error("initial install failed", zap.Error(err))
		if cfg.installRetry > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.installRetryLoop(cfg.installRetry)
			}()
		}
	}
	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.reg.Close()
	if err := s.storage.Close(); err != nil {
		s.log.Warn("close storage", zap.Error(err))
	}
}

// Registration exposes the host runtime, mainly for tests and embedding.
func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Get("/healthz", s.serveHealth)
		r.Get("/status", s.serveStatus)
		r.Post("/sync", s.serveSync)
		r.Post("/message", s.serveMessage)
		r.Post("/update", s.serveUpdate)
		r.Handle("/clients", s.hub.WebsocketHandler(s.reg))
	})
	r.NotFound(s.handle)
	r.MethodNotAllowed(s.handle)
	return r
}

func (s *Service) installRetryLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.reg.activeID() != 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.installTimeout)
			err := s.reg.Register(ctx, s.cfg)
			cancel()
			if err != nil {
				s.log.Warn("install retry failed", zap.Error(err))
				continue
			}
			return
		}
	}
}

// handle is the fetch interception path for everything that is not a
// control endpoint.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target := s.targetURL(r)
	req := &Request{
		Method: r.Method,
		URL:    target,
		Mode:   requestMode(r),
		Header: r.Header.Clone(),
		Body:   r.Body,
	}

	res, err := s.reg.Fetch(r.Context(), req)
	if errors.Is(err, ErrNoActiveWorker) {
		// uncontrolled: plain network
		s.forward(w, r, target, StatusBypass)
		return
	}
	if err != nil {
		s.log.Debug("fetch failed", zap.String("url", target.String()), zap.Error(err))
		setOffcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if res.Status == StatusBypass {
		// excluded host: the response is relayed unaltered
		s.forward(w, r, target, "")
		return
	}
	writeResponse(w, *res.Response, res.Status)
}

func (s *Service) forward(w http.ResponseWriter, r *http.Request, target *url.URL, label string) {
	if err := s.fetcher.Forward(w, r, target.String(), label); err != nil {
		s.log.Debug("pass-through failed", zap.String("url", target.String()), zap.Error(err))
		setOffcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

// targetURL is the absolute URL a request is meant for: absolute-form
// requests (forward proxy use) keep their host, everything else goes to the
// origin.
func (s *Service) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() && r.URL.Host != "" {
		u := *r.URL
		return &u
	}
	u := s.cfg.Origin()
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return u
}

// requestMode reads Sec-Fetch-Mode and falls back to treating HTML GETs as
// navigations for clients that do not send it.
func requestMode(r *http.Request) RequestMode {
	if m := strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")); m != "" {
		return RequestMode(strings.ToLower(m))
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

func writeResponse(w http.ResponseWriter, resp Response, status string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "X-Offcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffcacheHeaders(w.Header(), status)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOffcacheHeaders(h http.Header, status string) {
	if status != "" {
		h.Set("X-Offcache", status)
	}
	// custom headers are invisible to page scripts unless exposed
	ensureExposedHeader(h, "X-Offcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	var parts []string
	for _, v := range h.Values(expose) {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if strings.EqualFold(p, name) {
				return
			}
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	h.Set(expose, strings.Join(append(parts, name), ", "))
}

// ---- control endpoints ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.reg.activeID() == 0 {
		status = http.StatusServiceUnavailable
		body["status"] = "no active worker"
	}
	writeJSON(w, status, body)
}

type statusResponse struct {
	Registration RegistrationStatus `json:"registration"`
	Caches       []string           `json:"caches"`
}

func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	names, err := s.storage.Keys(r.Context())
	if err != nil {
		s.log.Error("status: list caches", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Registration: s.reg.Status(), Caches: names})
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (s *Service) serveSync(w http.ResponseWriter, r *http.Request) {
	var in syncRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Tag == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tag is required"})
		return
	}
	if err := s.reg.Sync(r.Context(), in.Tag); err != nil {
		s.writeEventError(w, "sync", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) serveMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "type is required"})
		return
	}
	if err := s.reg.Message(r.Context(), msg); err != nil {
		s.writeEventError(w, "message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateRequest struct {
	CacheName string `json:"cacheName"`
}

func (s *Service) serveUpdate(w http.ResponseWriter, r *http.Request) {
	var in updateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.CacheName) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cacheName is required"})
		return
	}
	if err := s.reg.Register(r.Context(), s.cfg.WithCacheName(strings.TrimSpace(in.CacheName))); err != nil {
		s.log.Warn("update install failed", zap.String("cache", in.CacheName), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Status())
}

func (s *Service) writeEventError(w http.ResponseWriter, event string, err error) {
	if errors.Is(err, ErrNoActiveWorker) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	s.log.Error(event+" event failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := make([]zap.Field, 0, len(ss.Counts)+6)
	for _, label := range ss.labels() {
		fields = append(fields, zap.Uint64(label, ss.Counts[label]))
	}
	fields = append(fields,
		zap.String("resp_min", formatBytes(ss.MinRespBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgRespBytes)),
		zap.String("resp_max", formatBytes(ss.MaxRespBytes)),
		zap.Int("clients", s.hub.Len()),
	)
	if lvl, ok := s.storage.(*LevelDBStorage); ok {
		size, n := lvl.RAMUsage()
		fields = append(fields, zap.String("ram_tier", formatBytes(uint64(size))), zap.Int("ram_entries", n))
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}
