package offcache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// WorkerState is the lifecycle stage of one worker version.
type WorkerState string

const (
	StateInstalling WorkerState = "installing"
	StateInstalled  WorkerState = "installed"
	StateActivating WorkerState = "activating"
	StateActivated  WorkerState = "activated"
	StateRedundant  WorkerState = "redundant"
)

type workerVersion struct {
	id  int
	mgr *Manager

	// guarded by Registration.mu
	state       WorkerState
	skipWaiting bool
}

// Registration is the host runtime: it owns the worker versions, drives them
// through their lifecycle and dispatches events to the right one.
type Registration struct {
	storage CacheStorage
	fetcher Fetcher
	hub     *ClientHub
	log     *zap.Logger
	stats   *statsCollector

	// serializes lifecycle jobs (install, activate)
	jobMu sync.Mutex

	mu         sync.Mutex
	nextID     int
	installing *workerVersion
	waiting    *workerVersion
	active     *workerVersion
	versions   []*workerVersion
}

func NewRegistration(storage CacheStorage, fetcher Fetcher, hub *ClientHub, logger *zap.Logger) *Registration {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registration{
		storage: storage,
		fetcher: fetcher,
		hub:     hub,
		log:     logger,
	}
	hub.OnEmpty(func() {
		if err := r.promoteWaiting(context.Background()); err != nil {
			r.log.Warn("activate waiting worker", zap.Error(err))
		}
	})
	return r
}

// versionRuntime is the Runtime handed to one version's manager.
type versionRuntime struct {
	reg *Registration
	v   *workerVersion
}

func (rt versionRuntime) SkipWaiting() {
	rt.reg.mu.Lock()
	rt.v.skipWaiting = true
	rt.reg.mu.Unlock()
}

func (rt versionRuntime) Claim(context.Context) error {
	rt.reg.hub.Claim(rt.v.id)
	return nil
}

func (rt versionRuntime) MatchAll(context.Context) ([]Client, error) {
	return rt.reg.hub.Clients(), nil
}

// Register installs a new worker version for cfg. On success the version is
// either active or waiting; on failure it is redundant and the previous
// versions are untouched.
func (r *Registration) Register(ctx context.Context, cfg Config) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	r.mu.Lock()
	r.nextID++
	v := &workerVersion{id: r.nextID, state: StateInstalling}
	r.mu.Unlock()

	mgr, err := NewManager(cfg, r.storage, r.fetcher, versionRuntime{reg: r, v: v},
		r.log.With(zap.Int("version", v.id)))
	if err != nil {
		return err
	}
	mgr.stats = r.stats
	v.mgr = mgr

	r.mu.Lock()
	r.installing = v
	r.versions = append(r.versions, v)
	r.mu.Unlock()

	if err := mgr.Install(ctx); err != nil {
		r.mu.Lock()
		v.state = StateRedundant
		r.installing = nil
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.installing = nil
	v.state = StateInstalled
	if r.waiting != nil {
		r.waiting.state = StateRedundant
	}
	r.waiting = v
	now := r.active == nil || v.skipWaiting || r.hub.Len() == 0
	r.mu.Unlock()

	if !now {
		r.log.Info("worker waiting", zap.Int("version", v.id), zap.Int("clients", r.hub.Len()))
		return nil
	}
	r.activate(ctx, v)
	return nil
}

// promoteWaiting activates the waiting version when it asked to skip waiting
// or when no client is left.
func (r *Registration) promoteWaiting(ctx context.Context) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	r.mu.Lock()
	v := r.waiting
	ready := v != nil && (v.skipWaiting || r.hub.Len() == 0)
	r.mu.Unlock()
	if !ready {
		return nil
	}
	r.activate(ctx, v)
	return nil
}

// activate must run with jobMu held.
func (r *Registration) activate(ctx context.Context, v *workerVersion) {
	r.mu.Lock()
	if r.active != nil {
		r.active.state = StateRedundant
	}
	r.active = v
	if r.waiting == v {
		r.waiting = nil
	}
	v.state = StateActivating
	r.mu.Unlock()

	if err := v.mgr.Activate(ctx); err != nil {
		r.log.Warn("activate handler failed", zap.Int("version", v.id), zap.Error(err))
	}

	r.mu.Lock()
	v.state = StateActivated
	r.mu.Unlock()
	r.log.Info("worker activated", zap.Int("version", v.id), zap.String("cache", v.mgr.CacheName()))
}

func (r *Registration) activeManager() (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoActiveWorker
	}
	return r.active.mgr, nil
}

func (r *Registration) activeID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return 0
	}
	return r.active.id
}

// Fetch dispatches a fetch event to the active version.
func (r *Registration) Fetch(ctx context.Context, req *Request) (Result, error) {
	m, err := r.activeManager()
	if err != nil {
		return Result{}, err
	}
	return m.Fetch(ctx, req)
}

// Sync dispatches a background sync event to the active version.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	m, err := r.activeManager()
	if err != nil {
		return err
	}
	return m.Sync(ctx, tag)
}

// Message delivers msg to the waiting version if there is one, otherwise to
// the active one, then activates the waiting version if it asked to.
func (r *Registration) Message(ctx context.Context, msg Message) error {
	r.mu.Lock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.Unlock()
	if target == nil {
		return ErrNoActiveWorker
	}
	if err := target.mgr.Message(ctx, msg); err != nil {
		return fmt.Errorf("message %s: %w", msg.Type, err)
	}
	return r.promoteWaiting(ctx)
}

// VersionStatus describes one non-redundant version.
type VersionStatus struct {
	ID        int         `json:"id"`
	CacheName string      `json:"cacheName"`
	State     WorkerState `json:"state"`
}

type RegistrationStatus struct {
	Installing *VersionStatus `json:"installing,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Active     *VersionStatus `json:"active,omitempty"`
	Clients    map[string]int `json:"clients"`
}

func (r *Registration) Status() RegistrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := func(v *workerVersion) *VersionStatus {
		if v == nil {
			return nil
		}
		return &VersionStatus{ID: v.id, CacheName: v.mgr.CacheName(), State: v.state}
	}
	return RegistrationStatus{
		Installing: st(r.installing),
		Waiting:    st(r.waiting),
		Active:     st(r.active),
		Clients:    r.hub.Controllers(),
	}
}

// Close waits for the background work of every version.
func (r *Registration) Close() {
	r.mu.Lock()
	versions := append([]*workerVersion(nil), r.versions...)
	r.mu.Unlock()
	for _, v := range versions {
		if v.mgr != nil {
			v.mgr.Close()
		}
	}
}
