package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/flare/internal/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS machines (
    id          TEXT PRIMARY KEY,
    namespace   TEXT NOT NULL,
    name        TEXT NOT NULL,
    spec        TEXT NOT NULL,
    config_hash TEXT NOT NULL,
    stopped     INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    UNIQUE (namespace, name)
)`,
	`CREATE TABLE IF NOT EXISTS instances (
    key              TEXT PRIMARY KEY,
    machine_id       TEXT NOT NULL,
    slot             INTEGER NOT NULL,
    status           TEXT NOT NULL,
    ip               TEXT NOT NULL DEFAULT '',
    snapshot_version TEXT NOT NULL DEFAULT '',
    error_kind       TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    updated_at       DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_machine ON instances(machine_id, slot)`,
	`CREATE TABLE IF NOT EXISTS services (
    id          TEXT PRIMARY KEY,
    namespace   TEXT NOT NULL,
    name        TEXT NOT NULL,
    definition  TEXT NOT NULL,
    listen_port INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    UNIQUE (namespace, name)
)`,
	`CREATE TABLE IF NOT EXISTS images (
    name       TEXT PRIMARY KEY,
    id         TEXT NOT NULL,
    tags       TEXT NOT NULL,
    digest     TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    machine_id TEXT NOT NULL,
    instance   TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_log_lines_machine ON log_lines(machine_id, id)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMachine inserts a new machine record.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	spec, err := json.Marshal(m.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO machines (id, namespace, name, spec, config_hash, stopped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Spec.Namespace, m.Spec.Name, string(spec), m.ConfigHash, m.Stopped, m.CreatedAt, m.UpdatedAt,
	)
	if isConstraint(err) {
		return fmt.Errorf("machine %s: %w", m.Spec.Ref(), ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

const machineColumns = `id, spec, config_hash, stopped, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (*model.Machine, error) {
	m := &model.Machine{}
	var spec string
	if err := row.Scan(&m.ID, &spec, &m.ConfigHash, &m.Stopped, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &m.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of machine %s: %w", m.ID, err)
	}
	return m, nil
}

// GetMachine retrieves a machine by ID. Instances are not loaded.
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

// GetMachineByName retrieves a machine by namespace and name.
func (s *SQLiteStore) GetMachineByName(ctx context.Context, namespace, name string) (*model.Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE namespace = ? AND name = ?`, namespace, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine by name: %w", err)
	}
	return m, nil
}

// ListMachines returns every machine ordered by creation time, oldest first.
func (s *SQLiteStore) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return machines, nil
}

// UpdateMachine replaces the spec, hash and stopped flag of a machine.
func (s *SQLiteStore) UpdateMachine(ctx context.Context, m *model.Machine) error {
	spec, err := json.Marshal(m.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE machines SET spec = ?, config_hash = ?, stopped = ?, updated_at = ? WHERE id = ?`,
		string(spec), m.ConfigHash, m.Stopped, time.Now().UTC(), m.ID,
	)
	if err != nil {
		return fmt.Errorf("update machine: %w", err)
	}
	return checkAffected(result)
}

// DeleteMachine removes a machine together with its instances and log lines.
func (s *SQLiteStore) DeleteMachine(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete machine: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE machine_id = ?`, id); err != nil {
		return fmt.Errorf("delete instances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM log_lines WHERE machine_id = ?`, id); err != nil {
		return fmt.Errorf("delete log lines: %w", err)
	}
	return tx.Commit()
}

// PutInstance inserts or replaces an instance record.
func (s *SQLiteStore) PutInstance(ctx context.Context, in *model.Instance) error {
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (key, machine_id, slot, status, ip, snapshot_version, error_kind, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			machine_id = excluded.machine_id,
			slot = excluded.slot,
			status = excluded.status,
			ip = excluded.ip,
			snapshot_version = excluded.snapshot_version,
			error_kind = excluded.error_kind,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		in.Key, in.MachineID, in.Slot, in.Status, in.IP, in.SnapshotVersion, in.ErrorKind, in.Error, in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put instance: %w", err)
	}
	return nil
}

const instanceColumns = `key, machine_id, slot, status, ip, snapshot_version, error_kind, error, updated_at`

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		var in model.Instance
		if err := rows.Scan(&in.Key, &in.MachineID, &in.Slot, &in.Status, &in.IP,
			&in.SnapshotVersion, &in.ErrorKind, &in.Error, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// ListInstances returns the instances of a machine ordered by slot.
func (s *SQLiteStore) ListInstances(ctx context.Context, machineID string) ([]model.Instance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE machine_id = ? ORDER BY slot`, machineID)
}

// ListAllInstances returns every instance record.
func (s *SQLiteStore) ListAllInstances(ctx context.Context) ([]model.Instance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances ORDER BY machine_id, slot`)
}

// DeleteInstance removes an instance record.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return checkAffected(result)
}

// CreateService inserts a new service record.
func (s *SQLiteStore) CreateService(ctx context.Context, svc *model.Service) error {
	def, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("marshal service: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (id, namespace, name, definition, listen_port, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.Namespace, svc.Name, string(def), svc.ListenPort, svc.CreatedAt,
	)
	if isConstraint(err) {
		return fmt.Errorf("service %s/%s: %w", svc.Namespace, svc.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

func scanService(row scanner) (*model.Service, error) {
	var def string
	if err := row.Scan(&def); err != nil {
		return nil, err
	}
	svc := &model.Service{}
	if err := json.Unmarshal([]byte(def), svc); err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}
	return svc, nil
}

// GetService retrieves a service by ID.
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*model.Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx, `SELECT definition FROM services WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// ListServices returns every service ordered by creation time.
func (s *SQLiteStore) ListServices(ctx context.Context) ([]*model.Service, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM services ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []*model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate services: %w", err)
	}
	return out, nil
}

// DeleteService removes a service record.
func (s *SQLiteStore) DeleteService(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return checkAffected(result)
}

// PutImage inserts or replaces the image record for img.Name.
func (s *SQLiteStore) PutImage(ctx context.Context, img *model.Image) error {
	tags, err := json.Marshal(img.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO images (name, id, tags, digest, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			tags = excluded.tags,
			digest = excluded.digest,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at`,
		img.Name, img.ID, string(tags), img.Digest, img.SizeBytes, img.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put image: %w", err)
	}
	return nil
}

func scanImage(row scanner) (*model.Image, error) {
	img := &model.Image{}
	var tags string
	if err := row.Scan(&img.Name, &img.ID, &tags, &img.Digest, &img.SizeBytes, &img.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &img.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of image %s: %w", img.Name, err)
	}
	return img, nil
}

// GetImage retrieves an image by name.
func (s *SQLiteStore) GetImage(ctx context.Context, name string) (*model.Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx,
		`SELECT name, id, tags, digest, size_bytes, created_at FROM images WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

// ListImages returns every image ordered by name.
func (s *SQLiteStore) ListImages(ctx context.Context) ([]*model.Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, id, tags, digest, size_bytes, created_at FROM images ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []*model.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return out, nil
}

// InsertLogLine persists one line of guest console output.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, machineID, instance string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_lines (machine_id, instance, seq, line, created_at) VALUES (?, ?, ?, ?, ?)`,
		machineID, instance, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the most recent limit log lines of a machine in the
// order they were written. A non-positive limit returns every line.
func (s *SQLiteStore) GetLogLines(ctx context.Context, machineID string, limit int) ([]model.LogLine, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_id, instance, seq, line, created_at FROM (
			SELECT * FROM log_lines WHERE machine_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, machineID, limit)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.MachineID, &l.Instance, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// GetStats returns aggregate counts.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{InstancesByStatus: make(map[string]int)}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM machines", &stats.Machines},
		{"SELECT COUNT(*) FROM instances", &stats.Instances},
		{"SELECT COUNT(*) FROM services", &stats.Services},
		{"SELECT COUNT(*) FROM images", &stats.Images},
		{"SELECT COUNT(*) FROM instances WHERE snapshot_version != ''", &stats.SnapshottedInstances},
	}
	for _, c := range counts {
		if err := tx.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM instances GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.InstancesByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return stats, nil
}
