package offcache

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
)

type regFixture struct {
	storage *MemoryStorage
	fetcher *fakeFetcher
	hub     *ClientHub
	reg     *Registration
}

func newRegFixture(t *testing.T) *regFixture {
	t.Helper()
	f := &regFixture{
		storage: NewMemoryStorage(),
		fetcher: newFakeFetcher(),
		hub:     NewClientHub(nil),
	}
	f.reg = NewRegistration(f.storage, f.fetcher, f.hub, nil)
	t.Cleanup(f.reg.Close)
	return f
}

func (f *regFixture) caches(t *testing.T) []string {
	t.Helper()
	names, err := f.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return names
}

func (f *regFixture) activeCache() string {
	st := f.reg.Status()
	if st.Active == nil {
		return ""
	}
	return st.Active.CacheName
}

func TestRegisterFirstVersionActivates(t *testing.T) {
	fx := newRegFixture(t)
	cfg := testConfig(t)
	seedAssets(fx.fetcher, cfg)

	if err := fx.reg.Register(context.Background(), cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	st := fx.reg.Status()
	if st.Active == nil || st.Active.State != StateActivated || st.Active.CacheName != DefaultCacheName {
		t.Fatalf("active = %+v", st.Active)
	}
	if st.Waiting != nil || st.Installing != nil {
		t.Fatalf("unexpected pending versions: %+v", st)
	}

	res, err := fx.reg.Fetch(context.Background(), mustRequest(t, testOrigin+"/index.html", ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != StatusHit {
		t.Fatalf("status = %s, want hit", res.Status)
	}
}

func TestRegisterUpdateEvictsOldCache(t *testing.T) {
	ctx := context.Background()
	fx := newRegFixture(t)
	v1 := testConfig(t)
	seedAssets(fx.fetcher, v1)
	if err := fx.reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	remove := fx.hub.Add(&fakeClient{id: "page"}, fx.reg.activeID())
	defer remove()

	// install calls skip-waiting, so an open page does not hold v2 back
	if err := fx.reg.Register(ctx, v1.WithCacheName("lista-compras-v2")); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if got := fx.activeCache(); got != "lista-compras-v2" {
		t.Fatalf("active cache = %q", got)
	}
	if got := fx.caches(t); !reflect.DeepEqual(got, []string{"lista-compras-v2"}) {
		t.Fatalf("caches = %v", got)
	}
	if got := fx.hub.Controllers()["page"]; got != fx.reg.activeID() {
		t.Fatalf("page controlled by %d, want %d", got, fx.reg.activeID())
	}
}

func TestWaitingVersionActivatesOnSkipWaitingMessage(t *testing.T) {
	ctx := context.Background()
	fx := newRegFixture(t)
	v1 := testConfig(t)
	seedAssets(fx.fetcher, v1)
	if err := fx.reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	page := &fakeClient{id: "page"}
	remove := fx.hub.Add(page, fx.reg.activeID())
	defer remove()

	v2 := v1.WithCacheName("lista-compras-v2")
	v2.Install.WaitForClients = true
	if err := fx.reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	st := fx.reg.Status()
	if st.Waiting == nil || st.Waiting.CacheName != "lista-compras-v2" || st.Waiting.State != StateInstalled {
		t.Fatalf("waiting = %+v", st.Waiting)
	}
	if fx.activeCache() != DefaultCacheName {
		t.Fatal("waiting version took over without skip-waiting")
	}
	if got := fx.caches(t); !reflect.DeepEqual(got, []string{DefaultCacheName, "lista-compras-v2"}) {
		t.Fatalf("caches while waiting = %v", got)
	}

	if err := fx.reg.Message(ctx, Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if got := fx.activeCache(); got != "lista-compras-v2" {
		t.Fatalf("active cache = %q", got)
	}
	if got := fx.caches(t); !reflect.DeepEqual(got, []string{"lista-compras-v2"}) {
		t.Fatalf("caches = %v", got)
	}
	if fx.hub.Controllers()["page"] != fx.reg.activeID() {
		t.Fatal("page not claimed by the new version")
	}
}

func TestWaitingVersionActivatesWhenLastClientLeaves(t *testing.T) {
	ctx := context.Background()
	fx := newRegFixture(t)
	v1 := testConfig(t)
	seedAssets(fx.fetcher, v1)
	if err := fx.reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	removeA := fx.hub.Add(&fakeClient{id: "a"}, fx.reg.activeID())
	removeB := fx.hub.Add(&fakeClient{id: "b"}, fx.reg.activeID())

	v2 := v1.WithCacheName("lista-compras-v2")
	v2.Install.WaitForClients = true
	if err := fx.reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	removeA()
	if fx.activeCache() != DefaultCacheName {
		t.Fatal("activated while a client is still open")
	}
	removeB()
	if got := fx.activeCache(); got != "lista-compras-v2" {
		t.Fatalf("active cache after last client left = %q", got)
	}
	if fx.reg.Status().Waiting != nil {
		t.Fatal("waiting slot not cleared")
	}
}

func TestNewerWaitingVersionReplacesOlder(t *testing.T) {
	ctx := context.Background()
	fx := newRegFixture(t)
	v1 := testConfig(t)
	seedAssets(fx.fetcher, v1)
	if err := fx.reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	remove := fx.hub.Add(&fakeClient{id: "page"}, fx.reg.activeID())
	defer remove()

	for _, name := range []string{"lista-compras-v2", "lista-compras-v3"} {
		cfg := v1.WithCacheName(name)
		cfg.Install.WaitForClients = true
		if err := fx.reg.Register(ctx, cfg); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if w := fx.reg.Status().Waiting; w == nil || w.CacheName != "lista-compras-v3" {
		t.Fatalf("waiting = %+v", w)
	}

	if err := fx.reg.Message(ctx, Message{Type: MessageSkipWaiting}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if got := fx.caches(t); !reflect.DeepEqual(got, []string{"lista-compras-v3"}) {
		t.Fatalf("caches = %v", got)
	}
}

func TestFailedInstallKeepsActiveVersion(t *testing.T) {
	ctx := context.Background()
	fx := newRegFixture(t)
	v1 := testConfig(t)
	seedAssets(fx.fetcher, v1)
	if err := fx.reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	fx.fetcher.set(testOrigin+"/index.html", http.StatusServiceUnavailable, "down")
	err := fx.reg.Register(ctx, v1.WithCacheName("lista-compras-v2"))
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("register v2 error = %v, want ErrBadStatus", err)
	}

	st := fx.reg.Status()
	if st.Active == nil || st.Active.CacheName != DefaultCacheName {
		t.Fatalf("active = %+v", st.Active)
	}
	if st.Installing != nil || st.Waiting != nil {
		t.Fatalf("failed version still tracked: %+v", st)
	}
	if body, ok := matchBody(t, fx.storage, DefaultCacheName, "GET "+testOrigin+"/index.html"); !ok || body != "asset /index.html" {
		t.Fatalf("v1 cache damaged: %q %v", body, ok)
	}
}

func TestEventsWithoutActiveVersion(t *testing.T) {
	ctx := context.Background()
	fx := newRegFixture(t)

	if _, err := fx.reg.Fetch(ctx, mustRequest(t, testOrigin+"/", ModeNavigate)); !errors.Is(err, ErrNoActiveWorker) {
		t.Fatalf("fetch error = %v", err)
	}
	if err := fx.reg.Sync(ctx, DefaultSyncTag); !errors.Is(err, ErrNoActiveWorker) {
		t.Fatalf("sync error = %v", err)
	}
	if err := fx.reg.Message(ctx, Message{Type: MessageSkipWaiting}); !errors.Is(err, ErrNoActiveWorker) {
		t.Fatalf("message error = %v", err)
	}
}

func TestRegistrationSyncReachesHubClients(t *testing.T) {
	ctx := context.Background()
	fx := newRegFixture(t)
	cfg := testConfig(t)
	seedAssets(fx.fetcher, cfg)
	if err := fx.reg.Register(ctx, cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	page := &fakeClient{id: "page"}
	remove := fx.hub.Add(page, fx.reg.activeID())
	defer remove()

	if err := fx.reg.Sync(ctx, DefaultSyncTag); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := page.received(); len(got) != 1 || got[0].Type != MessageSyncData {
		t.Fatalf("page received %v", got)
	}
}
