package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bastion/pkg/bundles"
	"bastion/pkg/models"
)

type reloadLog struct {
	mu      sync.Mutex
	tenants []string
	notify  chan string
}

func newReloadLog() *reloadLog {
	return &reloadLog{notify: make(chan string, 16)}
}

func (r *reloadLog) reload(tenantID string) {
	r.mu.Lock()
	r.tenants = append(r.tenants, tenantID)
	r.mu.Unlock()
	r.notify <- tenantID
}

func (r *reloadLog) count(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.tenants {
		if id == tenantID {
			n++
		}
	}
	return n
}

func (r *reloadLog) wait(t *testing.T, tenantID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.notify:
			if got == tenantID {
				return
			}
		case <-deadline:
			t.Fatalf("no reload for %s within deadline", tenantID)
		}
	}
}

func startWatcher(t *testing.T, root string, rl *reloadLog) *Watcher {
	t.Helper()
	w, err := New(root, 50*time.Millisecond, rl.reload)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestExportTriggersReload(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	rl := newReloadLog()
	startWatcher(t, root, rl)

	b := models.PolicyBundle{
		BundleID:   "b-1",
		TenantID:   "tenant-eu",
		Version:    1,
		SourceCode: "package policies.tenant_eu\n\ndefault allow = false\n",
	}
	if err := bundles.ExportBundle(root, b); err != nil {
		t.Fatalf("export: %v", err)
	}
	rl.wait(t, "tenant-eu")
}

func TestBurstCollapsesToOneReload(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := filepath.Join(root, "t")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rl := newReloadLog()
	startWatcher(t, root, rl)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "policy.rules"), []byte("v"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	rl.wait(t, "t")
	// Give any stray second trigger a chance to fire.
	time.Sleep(200 * time.Millisecond)
	if n := rl.count("t"); n != 1 {
		t.Fatalf("expected one debounced reload, got %d", n)
	}
}

func TestNewTenantDirectoryIsPickedUp(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	rl := newReloadLog()
	startWatcher(t, root, rl)

	// The tenant directory did not exist when the watcher started.
	dir := filepath.Join(root, "late")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rl.wait(t, "late")

	if err := os.WriteFile(filepath.Join(dir, "policy.rules"), []byte("v2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rl.wait(t, "late")
}

func TestTempFilesIgnored(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := filepath.Join(root, "t")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rl := newReloadLog()
	startWatcher(t, root, rl)

	if err := os.WriteFile(filepath.Join(dir, "policy.rules.tmp"), []byte("half"), 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := rl.count("t"); n != 0 {
		t.Fatalf("temp file must not trigger reload, got %d", n)
	}
}

func TestCloseStopsDispatch(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := filepath.Join(root, "t")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rl := newReloadLog()
	w := startWatcher(t, root, rl)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "policy.rules"), []byte("v"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := rl.count("t"); n != 0 {
		t.Fatalf("closed watcher must not reload, got %d", n)
	}
}
