package enginepool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bastion/pkg/bundles"
	"bastion/pkg/dsl"
	"bastion/pkg/models"
)

// fakeSource serves bundles from memory and can be mutated mid-test.
type fakeSource struct {
	mu      sync.Mutex
	byTen   map[string]*models.PolicyBundle
	loads   int
	failAll bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{byTen: map[string]*models.PolicyBundle{}}
}

func (f *fakeSource) set(tenantID, source string, version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTen[tenantID] = &models.PolicyBundle{
		TenantID:   tenantID,
		Version:    version,
		SourceCode: source,
		Status:     models.BundleActive,
	}
}

func (f *fakeSource) LoadActive(ctx context.Context, tenantID string) (*models.PolicyBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.failAll {
		return nil, errors.New("source down")
	}
	b, ok := f.byTen[tenantID]
	if !ok {
		return nil, bundles.ErrNotFound
	}
	out := *b
	return &out, nil
}

func mustCompile(t *testing.T, src, tenantID string) string {
	t.Helper()
	cp, diags := dsl.Compile(src, tenantID)
	if len(diags) != 0 {
		t.Fatalf("compile: %+v", diags)
	}
	return cp.Source
}

func input(tenant, country string) *models.ABACInput {
	return &models.ABACInput{
		Subject:     models.Subject{TenantID: tenant},
		Action:      "read",
		Resource:    models.Resource{Type: "doc"},
		Environment: models.Environment{Country: country},
	}
}

func TestGetLoadsOnFirstUse(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("t", mustCompile(t, `allow read doc if subject.tenant_id == "t"`, "t"), 1)
	pool := New(src)

	h, err := pool.Get(context.Background(), "t")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if h.LoadedVersion != 1 {
		t.Fatalf("version = %d", h.LoadedVersion)
	}
	if !h.Program().Allow(input("t", "")) {
		t.Fatal("expected allow from loaded program")
	}
	// Second get must reuse the handle.
	again, err := pool.Get(context.Background(), "t")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again != h {
		t.Fatal("expected cached handle")
	}
	if src.loads != 1 {
		t.Fatalf("expected 1 source load, got %d", src.loads)
	}
}

func TestGetUnknownTenantErrorsWithoutCaching(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	pool := New(src)
	if _, err := pool.Get(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown tenant")
	}
	var re *ReloadError
	_, err := pool.Get(context.Background(), "ghost")
	if !errors.As(err, &re) || !errors.Is(err, bundles.ErrNotFound) {
		t.Fatalf("expected ReloadError wrapping not-found, got %v", err)
	}
	// Once a bundle appears, the next request loads it with no explicit
	// reload.
	src.set("ghost", mustCompile(t, `allow read doc if subject.tenant_id == "ghost"`, "ghost"), 1)
	if _, err := pool.Get(context.Background(), "ghost"); err != nil {
		t.Fatalf("get after publish: %v", err)
	}
}

func TestReloadSwapsHandle(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("t", mustCompile(t, `allow read doc if subject.tenant_id == "t" and environment.country == "DE"`, "t"), 1)
	pool := New(src)

	h1, err := pool.Get(context.Background(), "t")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !h1.Program().Allow(input("t", "DE")) || h1.Program().Allow(input("t", "FR")) {
		t.Fatal("v1 semantics wrong")
	}

	src.set("t", mustCompile(t, `allow read doc if subject.tenant_id == "t" and environment.country == "FR"`, "t"), 2)
	h2, err := pool.Reload(context.Background(), "t")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if h2.LoadedVersion != 2 {
		t.Fatalf("version = %d", h2.LoadedVersion)
	}
	if !h2.Program().Allow(input("t", "FR")) || h2.Program().Allow(input("t", "DE")) {
		t.Fatal("v2 semantics wrong")
	}
	// The old handle keeps its own program: in-flight evaluations finish
	// on the version they started with.
	if !h1.Program().Allow(input("t", "DE")) {
		t.Fatal("old handle mutated by reload")
	}
}

func TestReloadFailureKeepsOldHandle(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	good := mustCompile(t, `allow read doc if subject.tenant_id == "t"`, "t")
	src.set("t", good, 1)
	pool := New(src)
	if _, err := pool.Get(context.Background(), "t"); err != nil {
		t.Fatalf("get: %v", err)
	}

	src.set("t", "this is not a rule program", 2)
	if _, err := pool.Reload(context.Background(), "t"); err == nil {
		t.Fatal("expected reload error for malformed source")
	}
	h, ok := pool.Lookup("t")
	if !ok {
		t.Fatal("handle disappeared after failed reload")
	}
	if h.LoadedVersion != 1 {
		t.Fatalf("expected v1 still live, got %d", h.LoadedVersion)
	}
	if !h.Program().Allow(input("t", "")) {
		t.Fatal("old program must keep serving")
	}

	src.failAll = true
	if _, err := pool.Reload(context.Background(), "t"); err == nil {
		t.Fatal("expected reload error when source is down")
	}
	if h, ok := pool.Lookup("t"); !ok || h.LoadedVersion != 1 {
		t.Fatal("handle must survive source outage")
	}
}

func TestRemoveDropsHandle(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("t", mustCompile(t, `allow read doc if subject.tenant_id == "t"`, "t"), 1)
	pool := New(src)
	if _, err := pool.Get(context.Background(), "t"); err != nil {
		t.Fatalf("get: %v", err)
	}
	pool.Remove("t")
	if _, ok := pool.Lookup("t"); ok {
		t.Fatal("expected handle removed")
	}
	pool.mu.Lock()
	_, held := pool.loading["t"]
	pool.mu.Unlock()
	if held {
		t.Fatal("expected load lock released with the handle")
	}
	// The tenant can come back: the next get reloads from the source.
	if _, err := pool.Get(context.Background(), "t"); err != nil {
		t.Fatalf("get after remove: %v", err)
	}
}

func TestTenantIsolationUnderReload(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	tenants := []string{"a", "b", "c", "d"}
	for _, id := range tenants {
		src.set(id, mustCompile(t, `allow read doc if subject.tenant_id == "`+id+`"`, id), 1)
	}
	pool := New(src)
	ctx := context.Background()
	for _, id := range tenants {
		if _, err := pool.Get(ctx, id); err != nil {
			t.Fatalf("warm %s: %v", id, err)
		}
	}

	stop := make(chan struct{})
	var reloader sync.WaitGroup
	// Keep mutating tenant a's policy while the others read.
	reloader.Add(1)
	go func() {
		defer reloader.Done()
		version := uint64(2)
		for {
			select {
			case <-stop:
				return
			default:
			}
			src.set("a", mustCompile(t, `allow read doc if subject.tenant_id == "a" and environment.country == "DE"`, "a"), version)
			if _, err := pool.Reload(ctx, "a"); err != nil {
				t.Errorf("reload: %v", err)
				return
			}
			version++
		}
	}()
	// Other tenants' decisions must be unaffected throughout.
	var readers sync.WaitGroup
	for _, id := range []string{"b", "c", "d"} {
		id := id
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 500; i++ {
				h, err := pool.Get(ctx, id)
				if err != nil {
					t.Errorf("get %s: %v", id, err)
					return
				}
				if !h.Program().Allow(input(id, "")) {
					t.Errorf("tenant %s decision changed during a's reload", id)
					return
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	reloader.Wait()
}

func TestConcurrentFirstUseLoadsOnce(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("t", mustCompile(t, `allow read doc if subject.tenant_id == "t"`, "t"), 1)
	pool := New(src)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Get(context.Background(), "t"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if src.loads != 1 {
		t.Fatalf("expected a single load for concurrent first use, got %d", src.loads)
	}
}
