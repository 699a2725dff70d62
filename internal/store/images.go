package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rafsctl/internal/services"
)

// InsertImage records a freshly built image.
func (s *Store) InsertImage(ctx context.Context, record *ImageRecord) error {
	if record == nil || record.ID == "" {
		return services.Wrap(services.ErrValidation, "store", "insert_image", "image record needs an id", nil)
	}
	artifacts, err := marshalArtifacts(record.Artifacts)
	if err != nil {
		return err
	}
	created := record.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
		record.CreatedAt = created
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO images (
            id, source_path, bootstrap_path, blob_id, blob_path, backend,
            fs_version, compressor, size_bytes, parent_id, artifacts_json, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		nullableString(record.SourcePath),
		record.BootstrapPath,
		record.BlobID,
		nullableString(record.BlobPath),
		record.Backend,
		nullableString(record.FSVersion),
		nullableString(record.Compressor),
		record.SizeBytes,
		nullableString(record.ParentID),
		artifacts,
		created.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// GetImage fetches an image by exact id. Returns nil when absent.
func (s *Store) GetImage(ctx context.Context, id string) (*ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	record, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return record, nil
}

// ResolveImage finds an image by exact id, unique id prefix, or blob id,
// in that order. An ambiguous prefix is an error; no match returns
// ErrNotFound.
func (s *Store) ResolveImage(ctx context.Context, ref string) (*ImageRecord, error) {
	if ref == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "resolve_image", "image reference required", nil)
	}
	if record, err := s.GetImage(ctx, ref); err != nil || record != nil {
		return record, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id LIKE ? ORDER BY created_at DESC LIMIT 2`,
		ref+"%")
	if err != nil {
		return nil, fmt.Errorf("resolve image prefix: %w", err)
	}
	matches, err := collectImages(rows)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
	default:
		return nil, services.Wrap(services.ErrValidation, "store", "resolve_image",
			fmt.Sprintf("image reference %q is ambiguous", ref), nil)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE blob_id = ? ORDER BY created_at DESC LIMIT 1`, ref)
	record, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "store", "resolve_image",
			fmt.Sprintf("no image matches %q", ref), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve image by blob id: %w", err)
	}
	return record, nil
}

// ListImages returns every recorded image, newest first.
func (s *Store) ListImages(ctx context.Context) ([]*ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return collectImages(rows)
}

// DeleteImage removes an image record, reporting whether a row existed.
func (s *Store) DeleteImage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete image: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete image rows affected: %w", err)
	}
	return affected > 0, nil
}

func collectImages(rows *sql.Rows) ([]*ImageRecord, error) {
	defer rows.Close()
	var records []*ImageRecord
	for rows.Next() {
		record, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return records, nil
}
