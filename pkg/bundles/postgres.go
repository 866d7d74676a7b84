package bundles

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bastion/pkg/dsl"
	"bastion/pkg/models"
)

// pgClient is the subset of pgxpool.Pool the store needs; tests substitute
// a fake.
type pgClient interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore persists bundles in Postgres. Activation runs in a
// transaction so readers observe the demote/promote pair atomically.
type PostgresStore struct {
	db pgClient
}

func NewPostgresStore(db pgClient) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the bundle table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS policy_bundles (
			bundle_id    TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			version      BIGINT NOT NULL,
			source_code  TEXT NOT NULL,
			semver       TEXT NOT NULL DEFAULT '',
			author       TEXT NOT NULL DEFAULT '',
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'DRAFT',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			activated_at TIMESTAMPTZ,
			UNIQUE (tenant_id, version)
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS policy_bundles_tenant_status
		ON policy_bundles (tenant_id, status)`)
	return err
}

func (s *PostgresStore) Persist(ctx context.Context, tenantID string, compiled dsl.CompiledPolicy, meta models.BundleMetadata) (models.PolicyBundle, error) {
	b := models.PolicyBundle{
		BundleID:   uuid.New().String(),
		TenantID:   tenantID,
		SourceCode: compiled.Source,
		Metadata:   meta,
		Status:     models.BundleDraft,
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO policy_bundles(bundle_id, tenant_id, version, source_code, semver, author, description, status)
		VALUES ($1, $2, (SELECT COALESCE(MAX(version), 0)+1 FROM policy_bundles WHERE tenant_id=$2), $3, $4, $5, $6, 'DRAFT')
		RETURNING version, created_at
	`, b.BundleID, tenantID, compiled.Source, meta.Semver, meta.Author, meta.Description)
	if err := row.Scan(&b.Version, &b.CreatedAt); err != nil {
		return models.PolicyBundle{}, err
	}
	if b.Metadata.CreatedAt.IsZero() {
		b.Metadata.CreatedAt = b.CreatedAt
	}
	return b, nil
}

func (s *PostgresStore) Activate(ctx context.Context, bundleID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	var tenantID string
	var status models.BundleStatus
	row := tx.QueryRow(ctx, `SELECT tenant_id, status FROM policy_bundles WHERE bundle_id=$1 FOR UPDATE`, bundleID)
	if err := row.Scan(&tenantID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	switch status {
	case models.BundleArchived:
		return ErrArchived
	case models.BundleActive:
		return tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE policy_bundles SET status='INACTIVE'
		WHERE tenant_id=$1 AND status='ACTIVE'
	`, tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE policy_bundles SET status='ACTIVE', activated_at=now()
		WHERE bundle_id=$1
	`, bundleID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Archive(ctx context.Context, bundleID string) error {
	cmd, err := s.db.Exec(ctx, `UPDATE policy_bundles SET status='ARCHIVED' WHERE bundle_id=$1`, bundleID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LoadActive(ctx context.Context, tenantID string) (*models.PolicyBundle, error) {
	row := s.db.QueryRow(ctx, `
		SELECT bundle_id, tenant_id, version, source_code, semver, author, description, status, created_at, activated_at
		FROM policy_bundles
		WHERE tenant_id=$1 AND status='ACTIVE'
	`, tenantID)
	b, err := scanBundle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			check := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM policy_bundles WHERE tenant_id=$1)`, tenantID)
			if scanErr := check.Scan(&exists); scanErr == nil && exists {
				return nil, ErrNoActive
			}
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) ListBundles(ctx context.Context, tenantID string) ([]models.PolicyBundle, error) {
	rows, err := s.db.Query(ctx, `
		SELECT bundle_id, tenant_id, version, source_code, semver, author, description, status, created_at, activated_at
		FROM policy_bundles
		WHERE tenant_id=$1
		ORDER BY version DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.PolicyBundle, 0)
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBundle(row pgx.Row) (*models.PolicyBundle, error) {
	var b models.PolicyBundle
	var activatedAt *time.Time
	if err := row.Scan(
		&b.BundleID,
		&b.TenantID,
		&b.Version,
		&b.SourceCode,
		&b.Metadata.Semver,
		&b.Metadata.Author,
		&b.Metadata.Description,
		&b.Status,
		&b.CreatedAt,
		&activatedAt,
	); err != nil {
		return nil, err
	}
	b.ActivatedAt = activatedAt
	b.Metadata.CreatedAt = b.CreatedAt
	return &b, nil
}
