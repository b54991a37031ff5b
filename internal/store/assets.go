package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/opsagent/opsagent/internal/core"
)

// ListAssets returns all assets ordered by name. Credentials are included;
// callers rendering output own redaction.
func (db *DB) ListAssets(ctx context.Context) ([]core.Asset, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, host, port, username, password, private_key_path, metadata FROM assets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Asset
	for rows.Next() {
		var a core.Asset
		if err := rows.Scan(&a.Name, &a.Host, &a.Port, &a.Username, &a.Password, &a.PrivateKeyPath, &a.Metadata); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAsset returns the asset by name or core.ErrAssetNotFound.
func (db *DB) GetAsset(ctx context.Context, name string) (core.Asset, error) {
	var a core.Asset
	err := db.QueryRowContext(ctx,
		`SELECT name, host, port, username, password, private_key_path, metadata FROM assets WHERE name = ?`, name).
		Scan(&a.Name, &a.Host, &a.Port, &a.Username, &a.Password, &a.PrivateKeyPath, &a.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Asset{}, core.ErrAssetNotFound
	}
	if err != nil {
		return core.Asset{}, err
	}
	return a, nil
}

// UpsertAsset inserts or replaces the asset keyed by name.
func (db *DB) UpsertAsset(ctx context.Context, a core.Asset) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("asset name required")
	}
	if strings.TrimSpace(a.Host) == "" || strings.TrimSpace(a.Username) == "" {
		return fmt.Errorf("asset %s: host and username required", a.Name)
	}
	if a.Port == 0 {
		a.Port = 22
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO assets (name, host, port, username, password, private_key_path, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			private_key_path = excluded.private_key_path,
			metadata = excluded.metadata`,
		a.Name, a.Host, a.Port, a.Username, a.Password, a.PrivateKeyPath, a.Metadata)
	return err
}

// DeleteAsset removes the asset; unknown names return core.ErrAssetNotFound.
func (db *DB) DeleteAsset(ctx context.Context, name string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM assets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrAssetNotFound
	}
	return nil
}

// SeedAssets upserts config-file assets without clobbering ones created
// through the API.
func (db *DB) SeedAssets(ctx context.Context, assets []core.Asset) error {
	for _, a := range assets {
		if err := db.UpsertAsset(ctx, a); err != nil {
			return fmt.Errorf("seed asset %s: %w", a.Name, err)
		}
	}
	return nil
}
