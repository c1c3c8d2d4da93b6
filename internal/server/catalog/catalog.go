// Package catalog manages distributions, releases, and the packages
// attached to them.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/teton-ai/fleet/internal/server/store"
)

var (
	ErrReleaseNotDraft = errors.New("catalog: release is not a draft")
	ErrNotFound        = errors.New("catalog: not found")
)

type Catalog struct {
	db *store.Store
}

func New(db *store.Store) *Catalog {
	return &Catalog{db: db}
}

type Distribution struct {
	ID           int64
	Name         string
	Architecture string
	Description  string
}

type Release struct {
	ID             int64
	DistributionID int64
	Version        string
	Draft          bool
	Yanked         bool
}

type Package struct {
	ID           int64
	Name         string
	Version      string
	Architecture string
	File         string
}

func (c *Catalog) CreateDistribution(ctx context.Context, name, arch, desc string) (int64, error) {
	var id int64
	err := c.db.Pool.QueryRow(ctx,
		`INSERT INTO distribution (name, architecture, description) VALUES ($1, $2, $3) RETURNING id`,
		name, arch, desc,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog: create distribution: %w", err)
	}
	return id, nil
}

func (c *Catalog) CreateRelease(ctx context.Context, distributionID int64, version string) (int64, error) {
	var id int64
	err := c.db.Pool.QueryRow(ctx,
		`INSERT INTO release (distribution_id, version) VALUES ($1, $2) RETURNING id`,
		distributionID, version,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog: create release: %w", err)
	}
	return id, nil
}

// AttachPackage inserts pkg as a new package row and links it into release;
// an existing package with the same name and version is not reused. Only
// legal while the release is still a draft and not yanked.
func (c *Catalog) AttachPackage(ctx context.Context, releaseID int64, pkg Package) error {
	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var draft, yanked bool
	if err := tx.QueryRow(ctx, `SELECT draft, yanked FROM release WHERE id = $1`, releaseID).Scan(&draft, &yanked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("catalog: read release: %w", err)
	}
	if !draft || yanked {
		return ErrReleaseNotDraft
	}

	var pkgID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO package (name, version, architecture, file) VALUES ($1, $2, $3, $4) RETURNING id`,
		pkg.Name, pkg.Version, pkg.Architecture, pkg.File,
	).Scan(&pkgID)
	if err != nil {
		return fmt.Errorf("catalog: insert package: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO release_package (release_id, package_id) VALUES ($1, $2)`,
		releaseID, pkgID,
	); err != nil {
		return fmt.Errorf("catalog: link package: %w", err)
	}

	return tx.Commit(ctx)
}

// Publish flips a release from draft to published; it becomes eligible for
// deployment.
func (c *Catalog) Publish(ctx context.Context, releaseID int64) error {
	tag, err := c.db.Pool.Exec(ctx, `UPDATE release SET draft = FALSE WHERE id = $1 AND NOT yanked`, releaseID)
	if err != nil {
		return fmt.Errorf("catalog: publish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Yank marks a release unusable for new deployments without deleting it.
func (c *Catalog) Yank(ctx context.Context, releaseID int64) error {
	_, err := c.db.Pool.Exec(ctx, `UPDATE release SET yanked = TRUE WHERE id = $1`, releaseID)
	if err != nil {
		return fmt.Errorf("catalog: yank: %w", err)
	}
	return nil
}

// ReleasePackages returns every package attached to a release, in the
// manifest shape the agent's updater expects.
func (c *Catalog) ReleasePackages(ctx context.Context, releaseID int64) ([]Package, error) {
	rows, err := c.db.Pool.Query(ctx,
		`SELECT p.id, p.name, p.version, p.architecture, p.file
		 FROM package p JOIN release_package rp ON rp.package_id = p.id
		 WHERE rp.release_id = $1`,
		releaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: release packages: %w", err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Architecture, &p.File); err != nil {
			return nil, fmt.Errorf("catalog: scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
