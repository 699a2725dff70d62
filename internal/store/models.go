package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ImageRecord is one built image in the inventory. Artifacts lists every
// local file the build produced so cleanup can find them later.
type ImageRecord struct {
	ID            string
	SourcePath    string
	BootstrapPath string
	BlobID        string
	BlobPath      string
	Backend       string
	FSVersion     string
	Compressor    string
	SizeBytes     int64
	ParentID      string
	Artifacts     []string
	CreatedAt     time.Time
}

// SessionRecord is one daemon session, live or finished. PID is zero when
// the daemon never launched.
type SessionRecord struct {
	ID             string
	ImageID        string
	Mountpoint     string
	APISock        string
	ConfigPath     string
	State          string
	PID            int
	Mode           string
	FailoverPolicy string
	Supervisor     string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const imageColumns = `id, source_path, bootstrap_path, blob_id, blob_path, backend,
	fs_version, compressor, size_bytes, parent_id, artifacts_json, created_at`

const sessionColumns = `id, image_id, mountpoint, api_sock, config_path, state, pid,
	mode, failover_policy, supervisor, last_error, created_at, updated_at`

func scanImage(scanner interface{ Scan(dest ...any) error }) (*ImageRecord, error) {
	var (
		id         string
		sourcePath sql.NullString
		bootstrap  string
		blobID     string
		blobPath   sql.NullString
		backendStr string
		fsVersion  sql.NullString
		compressor sql.NullString
		sizeBytes  sql.NullInt64
		parentID   sql.NullString
		artifacts  sql.NullString
		createdRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&sourcePath,
		&bootstrap,
		&blobID,
		&blobPath,
		&backendStr,
		&fsVersion,
		&compressor,
		&sizeBytes,
		&parentID,
		&artifacts,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	record := &ImageRecord{
		ID:            id,
		SourcePath:    sourcePath.String,
		BootstrapPath: bootstrap,
		BlobID:        blobID,
		BlobPath:      blobPath.String,
		Backend:       backendStr,
		FSVersion:     fsVersion.String,
		Compressor:    compressor.String,
		SizeBytes:     sizeBytes.Int64,
		ParentID:      parentID.String,
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &record.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts for image %s: %w", id, err)
		}
	}
	record.CreatedAt = parseTimeString(createdRaw)
	return record, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*SessionRecord, error) {
	var (
		id             string
		imageID        sql.NullString
		mountpoint     string
		apiSock        sql.NullString
		configPath     sql.NullString
		state          string
		pid            sql.NullInt64
		mode           sql.NullString
		failoverPolicy sql.NullString
		supervisor     sql.NullString
		lastError      sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&imageID,
		&mountpoint,
		&apiSock,
		&configPath,
		&state,
		&pid,
		&mode,
		&failoverPolicy,
		&supervisor,
		&lastError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	record := &SessionRecord{
		ID:             id,
		ImageID:        imageID.String,
		Mountpoint:     mountpoint,
		APISock:        apiSock.String,
		ConfigPath:     configPath.String,
		State:          state,
		PID:            int(pid.Int64),
		Mode:           mode.String,
		FailoverPolicy: failoverPolicy.String,
		Supervisor:     supervisor.String,
		LastError:      lastError.String,
	}
	record.CreatedAt = parseTimeString(createdRaw)
	record.UpdatedAt = parseTimeString(updatedRaw)
	return record, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTimeString(raw sql.NullString) time.Time {
	if !raw.Valid || raw.String == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw.String); err == nil {
		return parsed
	}
	return time.Time{}
}

func marshalArtifacts(paths []string) (any, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return nil, fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(data), nil
}
