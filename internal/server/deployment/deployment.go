// Package deployment implements release rollout: batching devices into a
// deployment and checking it done. Batch size and staleness window are
// hardcoded to match the original implementation's literal constants
// (see the resolved open question in this repo's SPEC_FULL.md §9), not
// made configurable.
package deployment

import (
	"context"
	"fmt"

	"github.com/teton-ai/fleet/internal/server/store"
)

const (
	batchSize       = 10
	stalenessWindow = "5 minutes"
)

type Deployment struct {
	db *store.Store
}

func New(db *store.Store) *Deployment {
	return &Deployment{db: db}
}

// CreateDeployment opens a deployment for releaseID and assigns it the next
// batch of up to 10 stable devices (release_id == target_release_id) in the
// release's distribution whose last_ping is within the staleness window,
// most-recently-seen first, setting their target_release_id.
func (d *Deployment) CreateDeployment(ctx context.Context, releaseID int64) (deploymentID int64, assigned []int64, err error) {
	tx, err := d.db.Pool.Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("deployment: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO deployment (release_id) VALUES ($1) RETURNING id`,
		releaseID,
	).Scan(&deploymentID)
	if err != nil {
		return 0, nil, fmt.Errorf("deployment: create: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT d.id FROM device d
		JOIN release r2 ON r2.id = d.release_id
		WHERE d.release_id = d.target_release_id
		  AND r2.distribution_id = (SELECT distribution_id FROM release WHERE id = $1)
		  AND d.last_ping > now() - interval '`+stalenessWindow+`'
		ORDER BY d.last_ping DESC
		LIMIT $2`,
		releaseID, batchSize,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("deployment: select batch: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("deployment: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("deployment: rows: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`INSERT INTO deployment_device (deployment_id, device_id) VALUES ($1, $2)`,
			deploymentID, id,
		); err != nil {
			return 0, nil, fmt.Errorf("deployment: assign device: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE device SET target_release_id = $1 WHERE id = $2`,
			releaseID, id,
		); err != nil {
			return 0, nil, fmt.Errorf("deployment: set target: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("deployment: commit: %w", err)
	}
	return deploymentID, ids, nil
}

// CheckDone counts the deployment's assigned batch against the target
// release. If the batch has not yet converged, it returns false with no
// side effects — the canary/staged-rollout property depends on the
// broadcast never firing before the vanguard batch is done. Once the
// batch has converged, it broadcasts the release as the target to every
// device in the distribution whose current release_id points at any
// release in it (not just the deployment's own batch), matching the
// original implementation literally, and marks the deployment done.
// Repeated calls on an already-done deployment are a no-op.
func (d *Deployment) CheckDone(ctx context.Context, deploymentID int64) (done bool, err error) {
	tx, err := d.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("deployment: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var releaseID, distributionID int64
	var status string
	if err := tx.QueryRow(ctx,
		`SELECT dep.release_id, r.distribution_id, dep.status FROM deployment dep
		 JOIN release r ON r.id = dep.release_id WHERE dep.id = $1`,
		deploymentID,
	).Scan(&releaseID, &distributionID, &status); err != nil {
		return false, fmt.Errorf("deployment: lookup: %w", err)
	}

	if status == "done" {
		return true, nil
	}

	var remaining int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM deployment_device dd
		 JOIN device dv ON dv.id = dd.device_id
		 WHERE dd.deployment_id = $1 AND (dv.release_id IS DISTINCT FROM $2)`,
		deploymentID, releaseID,
	).Scan(&remaining); err != nil {
		return false, fmt.Errorf("deployment: count remaining: %w", err)
	}

	if remaining > 0 {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("deployment: commit: %w", err)
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE device SET target_release_id = $1
		 WHERE device.release_id IN (SELECT id FROM release WHERE distribution_id = $2)`,
		releaseID, distributionID,
	); err != nil {
		return false, fmt.Errorf("deployment: broadcast: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deployment SET status = 'done', updated_at = now() WHERE id = $1`,
		deploymentID,
	); err != nil {
		return false, fmt.Errorf("deployment: mark done: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("deployment: commit: %w", err)
	}
	return true, nil
}

// SetStatus applies an operator-initiated transition (e.g. failed,
// canceled); CheckDone never emits these automatically.
func (d *Deployment) SetStatus(ctx context.Context, deploymentID int64, status string) error {
	_, err := d.db.Pool.Exec(ctx,
		`UPDATE deployment SET status = $1, updated_at = now() WHERE id = $2`,
		status, deploymentID,
	)
	if err != nil {
		return fmt.Errorf("deployment: set status: %w", err)
	}
	return nil
}
