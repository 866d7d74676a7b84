package bundles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bastion/pkg/models"
)

const (
	rulesFileName    = "policy.rules"
	manifestFileName = "manifest.json"
)

// manifest mirrors the bundle fields the gateway needs without a database.
type manifest struct {
	BundleID string                `json:"bundle_id"`
	TenantID string                `json:"tenant_id"`
	Version  uint64                `json:"version"`
	Metadata models.BundleMetadata `json:"metadata"`
}

// ExportBundle writes a bundle into <root>/<tenant>/ as a rules file plus a
// manifest. Both files land via tmp+rename so a concurrent reader (or the
// directory watcher) never observes a half-written bundle.
func ExportBundle(root string, b models.PolicyBundle) error {
	dir := filepath.Join(root, b.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	m := manifest{
		BundleID: b.BundleID,
		TenantID: b.TenantID,
		Version:  b.Version,
		Metadata: b.Metadata,
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, manifestFileName), raw); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, rulesFileName), []byte(b.SourceCode))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// DirSource serves the exported bundle directory as a read-only bundle
// source. The gateway uses it when running from a synced directory instead
// of Postgres.
type DirSource struct {
	Root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

func (s *DirSource) LoadActive(ctx context.Context, tenantID string) (*models.PolicyBundle, error) {
	dir := filepath.Join(s.Root, tenantID)
	src, err := os.ReadFile(filepath.Join(dir, rulesFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b := models.PolicyBundle{
		TenantID:   tenantID,
		SourceCode: string(src),
		Status:     models.BundleActive,
	}
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Rules without a manifest still load; version stays zero.
			return &b, nil
		}
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest for tenant %s: %w", tenantID, err)
	}
	b.BundleID = m.BundleID
	b.Version = m.Version
	b.Metadata = m.Metadata
	return &b, nil
}

// Tenants lists tenant directories currently present under the root.
func (s *DirSource) Tenants() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
