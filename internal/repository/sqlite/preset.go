package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/model"
	"github.com/sakif/devflow-exec/internal/repository"
)

var _ repository.PresetRepository = (*DB)(nil)

const presetColumns = `id, name, description, command, cwd, env, timeout_seconds,
	profile, docker, ssh, created_at, updated_at, last_run_at`

// Create inserts a new preset, assigning its ID and timestamps in place.
//
// ID GENERATION WITH xid:
// 20 chars, URL-safe and sortable by creation time, e.g. "cv37rs3pp9olc6atsptg".
func (db *DB) Create(ctx context.Context, preset *model.Preset) error {
	preset.ID = xid.New().String()

	now := time.Now()
	preset.CreatedAt = now
	preset.UpdatedAt = now

	cols, err := encodeNested(preset)
	if err != nil {
		return fmt.Errorf("sqlite: creating preset: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO presets (id, name, description, command, cwd, env, timeout_seconds,
		                      profile, docker, ssh, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		preset.ID,
		preset.Name,
		preset.Description,
		preset.Command,
		preset.Cwd,
		cols.env,
		preset.TimeoutSeconds,
		string(preset.Profile),
		cols.docker,
		cols.ssh,
		preset.CreatedAt,
		preset.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("preset", preset.Name)
		}
		return fmt.Errorf("sqlite: creating preset: %w", err)
	}

	return nil
}

// GetByID retrieves a single preset by its ID.
// sql.ErrNoRows is translated to apperror.NotFound so handlers can answer 404.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Preset, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE id = ?`, id)

	preset, err := scanPreset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("preset", id)
		}
		return nil, fmt.Errorf("sqlite: getting preset %s: %w", id, err)
	}
	return preset, nil
}

// GetByName retrieves a preset by its unique name.
func (db *DB) GetByName(ctx context.Context, name string) (*model.Preset, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE name = ?`, name)

	preset, err := scanPreset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("preset", name)
		}
		return nil, fmt.Errorf("sqlite: getting preset %q: %w", name, err)
	}
	return preset, nil
}

// List returns presets newest first, with LIMIT/OFFSET pagination.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Preset, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20 // Default page size
	}
	if limit > 100 {
		limit = 100 // Maximum page size
	}

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	// rowid breaks ties between presets created within the same clock tick.
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+presetColumns+`
		 FROM presets
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing presets: %w", err)
	}
	defer rows.Close()

	presets := make([]model.Preset, 0, limit)
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning preset row: %w", err)
		}
		presets = append(presets, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating presets: %w", err)
	}

	return presets, nil
}

// Update overwrites every mutable field of an existing preset.
// id, created_at and last_run_at are left alone.
func (db *DB) Update(ctx context.Context, preset *model.Preset) error {
	preset.UpdatedAt = time.Now()

	cols, err := encodeNested(preset)
	if err != nil {
		return fmt.Errorf("sqlite: updating preset %s: %w", preset.ID, err)
	}

	result, err := db.conn.ExecContext(ctx,
		`UPDATE presets
		 SET name = ?, description = ?, command = ?, cwd = ?, env = ?, timeout_seconds = ?,
		     profile = ?, docker = ?, ssh = ?, updated_at = ?
		 WHERE id = ?`,
		preset.Name,
		preset.Description,
		preset.Command,
		preset.Cwd,
		cols.env,
		preset.TimeoutSeconds,
		string(preset.Profile),
		cols.docker,
		cols.ssh,
		preset.UpdatedAt,
		preset.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("preset", preset.Name)
		}
		return fmt.Errorf("sqlite: updating preset %s: %w", preset.ID, err)
	}

	// Zero rows affected means the WHERE clause matched nothing.
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("preset", preset.ID)
	}

	return nil
}

// Delete removes a preset by its ID.
func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM presets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting preset %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("preset", id)
	}

	return nil
}

// MarkRun records when a preset was last run.
func (db *DB) MarkRun(ctx context.Context, id string, at time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE presets SET last_run_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("sqlite: marking preset %s run: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("preset", id)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPreset(s rowScanner) (*model.Preset, error) {
	var (
		p          model.Preset
		profile    string
		envJSON    string
		dockerJSON string
		sshJSON    string
		lastRun    sql.NullTime
	)
	if err := s.Scan(
		&p.ID, &p.Name, &p.Description, &p.Command, &p.Cwd,
		&envJSON, &p.TimeoutSeconds, &profile, &dockerJSON, &sshJSON,
		&p.CreatedAt, &p.UpdatedAt, &lastRun,
	); err != nil {
		return nil, err
	}

	p.Profile = executor.Profile(profile)
	if err := json.Unmarshal([]byte(envJSON), &p.Env); err != nil {
		return nil, fmt.Errorf("decoding env of preset %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(dockerJSON), &p.Docker); err != nil {
		return nil, fmt.Errorf("decoding docker config of preset %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(sshJSON), &p.SSH); err != nil {
		return nil, fmt.Errorf("decoding ssh config of preset %s: %w", p.ID, err)
	}
	if len(p.Env) == 0 {
		p.Env = nil
	}
	if lastRun.Valid {
		t := lastRun.Time
		p.LastRunAt = &t
	}
	return &p, nil
}

type nestedColumns struct {
	env, docker, ssh string
}

// encodeNested serializes the preset's map/struct fields for the JSON text columns.
func encodeNested(p *model.Preset) (nestedColumns, error) {
	var cols nestedColumns

	env := p.Env
	if env == nil {
		env = map[string]string{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return cols, fmt.Errorf("encoding env: %w", err)
	}
	cols.env = string(b)

	if b, err = json.Marshal(p.Docker); err != nil {
		return cols, fmt.Errorf("encoding docker config: %w", err)
	}
	cols.docker = string(b)

	if b, err = json.Marshal(p.SSH); err != nil {
		return cols, fmt.Errorf("encoding ssh config: %w", err)
	}
	cols.ssh = string(b)

	return cols, nil
}

// isUniqueViolation reports whether err is SQLite's UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
