// Package queue implements the per-device command queue: enqueue in
// bundles, fetch-and-mark atomically, record responses, cancel, and
// cursor-paginate. Grounded on the original smith-oss commands handler's
// starting_after/ending_before cursor semantics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teton-ai/fleet/internal/server/store"
	"github.com/teton-ai/fleet/internal/wire"
)

var ErrBothCursors = errors.New("queue: starting_after and ending_before are mutually exclusive")

type Queue struct {
	db *store.Store
}

func New(db *store.Store) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts one bundle row and one command row per cmd, atomically,
// returning the new command ids in issue order.
func (q *Queue) Enqueue(ctx context.Context, deviceID int64, cmds []wire.CommandTx, continueOnError bool) ([]int64, error) {
	tx, err := q.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	bundleID := uuid.New()
	if _, err := tx.Exec(ctx, `INSERT INTO command_bundle (uuid) VALUES ($1)`, bundleID); err != nil {
		return nil, fmt.Errorf("queue: insert bundle: %w", err)
	}

	ids := make([]int64, 0, len(cmds))
	for _, cmd := range cmds {
		body, err := json.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal command: %w", err)
		}
		var id int64
		err = tx.QueryRow(ctx,
			`INSERT INTO command (device_id, bundle_id, cmd, continue_on_error) VALUES ($1, $2, $3, $4) RETURNING id`,
			deviceID, bundleID, body, continueOnError,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("queue: insert command: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit: %w", err)
	}
	return ids, nil
}

// Fetch returns every unfetched, uncanceled command for device and, in the
// same transaction, marks exactly those rows fetched. A command is
// delivered at most once across successful fetches.
func (q *Queue) Fetch(ctx context.Context, deviceID int64) ([]wire.Command, error) {
	tx, err := q.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, cmd, continue_on_error FROM command
		 WHERE device_id = $1 AND NOT fetched AND NOT canceled
		 ORDER BY created_at, id
		 FOR UPDATE`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: select: %w", err)
	}

	var out []wire.Command
	var ids []int64
	for rows.Next() {
		var c wire.Command
		var body []byte
		if err := rows.Scan(&c.ID, &body, &c.ContinueOnError); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		if err := json.Unmarshal(body, &c.Command); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: unmarshal: %w", err)
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: rows: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE command SET fetched = TRUE, fetched_at = now() WHERE id = ANY($1)`,
			ids,
		); err != nil {
			return nil, fmt.Errorf("queue: mark fetched: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit: %w", err)
	}
	return out, nil
}

// RecordResponses inserts one response row per pair. Synthetic ids (< 0)
// are stored with command_id = NULL.
func (q *Queue) RecordResponses(ctx context.Context, deviceID int64, responses []wire.CommandResponse) error {
	tx, err := q.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range responses {
		body, err := json.Marshal(r.Command)
		if err != nil {
			return fmt.Errorf("queue: marshal response: %w", err)
		}
		var commandID *int64
		if r.ID >= 0 {
			id := r.ID
			commandID = &id
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO command_response (command_id, device_id, response, status) VALUES ($1, $2, $3, $4)`,
			commandID, deviceID, body, r.Status,
		); err != nil {
			return fmt.Errorf("queue: insert response: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Cancel marks a command canceled if it has not yet been fetched.
func (q *Queue) Cancel(ctx context.Context, commandID int64) error {
	_, err := q.db.Pool.Exec(ctx,
		`UPDATE command SET canceled = TRUE WHERE id = $1 AND NOT fetched`,
		commandID,
	)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	return nil
}

// Page is one cursor-paginated slice of a device's command history.
type Page struct {
	Commands []wire.Command
	HasNext  bool
	HasPrev  bool
}

// Paginate lists commands for device_id ordered by (created_at, id),
// applying exactly one of startingAfter / endingBefore as a cursor.
func (q *Queue) Paginate(ctx context.Context, deviceID int64, startingAfter, endingBefore *int64, limit int) (Page, error) {
	if startingAfter != nil && endingBefore != nil {
		return Page{}, ErrBothCursors
	}
	if limit <= 0 || limit > 10 {
		limit = 10
	}

	var rows pgx.Rows
	var err error
	switch {
	case startingAfter != nil:
		rows, err = q.db.Pool.Query(ctx,
			`SELECT id, cmd, continue_on_error FROM command
			 WHERE device_id = $1 AND id > (SELECT id FROM command WHERE id = $2)
			 ORDER BY created_at, id LIMIT $3`,
			deviceID, *startingAfter, limit+1,
		)
	case endingBefore != nil:
		rows, err = q.db.Pool.Query(ctx,
			`SELECT id, cmd, continue_on_error FROM command
			 WHERE device_id = $1 AND id < (SELECT id FROM command WHERE id = $2)
			 ORDER BY created_at, id LIMIT $3`,
			deviceID, *endingBefore, limit+1,
		)
	default:
		rows, err = q.db.Pool.Query(ctx,
			`SELECT id, cmd, continue_on_error FROM command
			 WHERE device_id = $1
			 ORDER BY created_at, id LIMIT $2`,
			deviceID, limit+1,
		)
	}
	if err != nil {
		return Page{}, fmt.Errorf("queue: paginate: %w", err)
	}
	defer rows.Close()

	var out []wire.Command
	for rows.Next() {
		var c wire.Command
		var body []byte
		if err := rows.Scan(&c.ID, &body, &c.ContinueOnError); err != nil {
			return Page{}, fmt.Errorf("queue: scan: %w", err)
		}
		if err := json.Unmarshal(body, &c.Command); err != nil {
			return Page{}, fmt.Errorf("queue: unmarshal: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("queue: rows: %w", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	page := Page{Commands: out}
	if startingAfter != nil {
		page.HasNext = hasMore
		page.HasPrev = true
	} else if endingBefore != nil {
		page.HasPrev = hasMore
		page.HasNext = true
	} else {
		page.HasNext = hasMore
	}
	return page, nil
}
