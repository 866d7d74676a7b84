// Package bundles versions compiled policies as immutable PolicyBundle
// records with lifecycle status. The decision engine consumes it purely as
// a versioned content source.
package bundles

import (
	"context"
	"errors"

	"bastion/pkg/dsl"
	"bastion/pkg/models"
)

var (
	// ErrNotFound is returned for unknown bundle ids and for tenants
	// with no bundles at all.
	ErrNotFound = errors.New("bundle not found")
	// ErrNoActive is returned by LoadActive when the tenant has bundles
	// but none is in the ACTIVE state.
	ErrNoActive = errors.New("no active bundle")
	// ErrArchived is returned when activating an archived bundle.
	ErrArchived = errors.New("bundle is archived")
)

// Store is the persistence boundary for compiled policies. Bundles are
// never mutated in place: activation promotes one bundle and demotes the
// previously active one, atomically with respect to readers.
type Store interface {
	Persist(ctx context.Context, tenantID string, compiled dsl.CompiledPolicy, meta models.BundleMetadata) (models.PolicyBundle, error)
	Activate(ctx context.Context, bundleID string) error
	Archive(ctx context.Context, bundleID string) error
	LoadActive(ctx context.Context, tenantID string) (*models.PolicyBundle, error)
	ListBundles(ctx context.Context, tenantID string) ([]models.PolicyBundle, error)
}
