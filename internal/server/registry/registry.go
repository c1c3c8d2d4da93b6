// Package registry implements device registration, approval, and token
// lifecycle against Postgres, grounded on lake/api's pgx transaction style.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teton-ai/fleet/internal/server/store"
)

var (
	ErrNotApproved  = errors.New("registry: device not approved")
	ErrNotNullToken = errors.New("registry: token already issued")
	ErrUnauthorized = errors.New("registry: invalid token")
	ErrNotFound     = errors.New("registry: device not found")
)

type Registry struct {
	db *store.Store
}

func New(db *store.Store) *Registry {
	return &Registry{db: db}
}

type Device struct {
	ID           int64
	SerialNumber string
	Approved     *bool
	Token        *string
}

// Register canonicalizes serial, creates the device row if absent, and
// either issues a fresh token (approved, unissued), fails NotNullToken
// (approved, already issued), or fails NotApproved, all within one
// transaction alongside a ledger entry.
func (r *Registry) Register(ctx context.Context, serialNumber, wifiMAC string) (token string, err error) {
	serial := canonicalize(serialNumber)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("registry: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	var approved *bool
	var existingToken *string

	row := tx.QueryRow(ctx, `SELECT id, approved, token FROM device WHERE serial_number = $1`, serial)
	err = row.Scan(&id, &approved, &existingToken)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`INSERT INTO device (serial_number, wifi_mac) VALUES ($1, $2) RETURNING id, approved, token`,
			serial, wifiMAC,
		).Scan(&id, &approved, &existingToken)
		if err != nil {
			return "", fmt.Errorf("registry: insert device: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entry (device_id, class, text) VALUES ($1, 'registration', 'device registered')`,
			id,
		); err != nil {
			return "", fmt.Errorf("registry: ledger: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("registry: lookup device: %w", err)
	}

	switch {
	case approved != nil && *approved && existingToken == nil:
		tok := uuid.NewString()
		if _, err := tx.Exec(ctx, `UPDATE device SET token = $1 WHERE id = $2`, tok, id); err != nil {
			return "", fmt.Errorf("registry: set token: %w", err)
		}
		if err := applyDefaultVariables(ctx, tx, id); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("registry: commit: %w", err)
		}
		return tok, nil

	case approved != nil && *approved && existingToken != nil:
		return "", ErrNotNullToken

	default:
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("registry: commit: %w", err)
		}
		return "", ErrNotApproved
	}
}

func applyDefaultVariables(ctx context.Context, tx pgx.Tx, deviceID int64) error {
	rows, err := tx.Query(ctx, `SELECT name, value FROM default_variable`)
	if err != nil {
		return fmt.Errorf("registry: default variables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("registry: scan default variable: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO variable (device_id, name, value) VALUES ($1, $2, $3)
			 ON CONFLICT (device_id, name) DO UPDATE SET value = EXCLUDED.value`,
			deviceID, name, value,
		); err != nil {
			return fmt.Errorf("registry: upsert variable: %w", err)
		}
	}
	return rows.Err()
}

// ValidateToken resolves a bearer token to its device, updating last_ping.
func (r *Registry) ValidateToken(ctx context.Context, token string) (Device, error) {
	var d Device
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE device SET last_ping = now() WHERE token = $1 AND NOT archived
		 RETURNING id, serial_number, approved, token`,
		token,
	).Scan(&d.ID, &d.SerialNumber, &d.Approved, &d.Token)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrUnauthorized
	}
	if err != nil {
		return Device{}, fmt.Errorf("registry: validate token: %w", err)
	}
	return d, nil
}

// Approve marks a device approved, allowing its next Register to succeed.
func (r *Registry) Approve(ctx context.Context, deviceID int64) error {
	return r.exec(ctx, `UPDATE device SET approved = TRUE WHERE id = $1`, deviceID)
}

// Revoke clears a device's token, forcing it to re-register.
func (r *Registry) Revoke(ctx context.Context, deviceID int64) error {
	return r.exec(ctx, `UPDATE device SET token = NULL WHERE id = $1`, deviceID)
}

// ResetToken clears approval and token together, returning the device to
// the pre-registration state.
func (r *Registry) ResetToken(ctx context.Context, deviceID int64) error {
	return r.exec(ctx, `UPDATE device SET approved = NULL, token = NULL WHERE id = $1`, deviceID)
}

func (r *Registry) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("registry: exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func canonicalize(serial string) string {
	return strings.Trim(strings.TrimSpace(serial), "\x00")
}
