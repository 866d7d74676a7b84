package bundles

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bastion/pkg/dsl"
	"bastion/pkg/models"
)

// MemoryStore keeps bundles in process memory. Used by tests and by
// single-node deployments without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.PolicyBundle
	byTenant map[string][]string
	versions map[string]uint64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     map[string]*models.PolicyBundle{},
		byTenant: map[string][]string{},
		versions: map[string]uint64{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Persist(ctx context.Context, tenantID string, compiled dsl.CompiledPolicy, meta models.BundleMetadata) (models.PolicyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.versions[tenantID]++
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	b := &models.PolicyBundle{
		BundleID:   uuid.New().String(),
		TenantID:   tenantID,
		Version:    s.versions[tenantID],
		SourceCode: compiled.Source,
		Metadata:   meta,
		Status:     models.BundleDraft,
		CreatedAt:  now,
	}
	s.byID[b.BundleID] = b
	s.byTenant[tenantID] = append(s.byTenant[tenantID], b.BundleID)
	return *b, nil
}

func (s *MemoryStore) Activate(ctx context.Context, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[bundleID]
	if !ok {
		return ErrNotFound
	}
	if b.Status == models.BundleArchived {
		return ErrArchived
	}
	if b.Status == models.BundleActive {
		return nil
	}
	for _, id := range s.byTenant[b.TenantID] {
		if other := s.byID[id]; other.Status == models.BundleActive {
			other.Status = models.BundleInactive
		}
	}
	now := s.now()
	b.Status = models.BundleActive
	b.ActivatedAt = &now
	return nil
}

func (s *MemoryStore) Archive(ctx context.Context, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[bundleID]
	if !ok {
		return ErrNotFound
	}
	b.Status = models.BundleArchived
	return nil
}

func (s *MemoryStore) LoadActive(ctx context.Context, tenantID string) (*models.PolicyBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byTenant[tenantID] {
		if b := s.byID[id]; b.Status == models.BundleActive {
			out := *b
			return &out, nil
		}
	}
	if len(s.byTenant[tenantID]) > 0 {
		return nil, ErrNoActive
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListBundles(ctx context.Context, tenantID string) ([]models.PolicyBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PolicyBundle, 0, len(s.byTenant[tenantID]))
	for _, id := range s.byTenant[tenantID] {
		out = append(out, *s.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}
