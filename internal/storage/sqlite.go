package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/pagetweak/internal/script"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding generated scripts and their turns.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pagetweak.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: an in-memory database is per-connection, and a file
	// database avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been recorded yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if err := s.applyMigration(version, "migrations/"+entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, path string) error {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists > 0 {
		return nil
	}

	content, err := migrationsFS.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", path, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Scripts ---

const scriptColumns = `id, created_at, updated_at, selector, context_json, js_code, css_code, url_pattern, status, error_message`

// SaveScript inserts or replaces rec. A zero CreatedAt is set to now, and
// UpdatedAt is always set to now. An empty Status is stored as pending.
// The stored record is returned.
func (s *Store) SaveScript(rec ScriptRecord) (ScriptRecord, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return ScriptRecord{}, errors.New("script id is required")
	}
	if rec.Status == "" {
		rec.Status = script.StatusPending
	}
	if !rec.Status.Valid() {
		return ScriptRecord{}, fmt.Errorf("invalid status %q", rec.Status)
	}

	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return ScriptRecord{}, fmt.Errorf("encoding context: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO scripts (`+scriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			selector = excluded.selector,
			context_json = excluded.context_json,
			js_code = excluded.js_code,
			css_code = excluded.css_code,
			url_pattern = excluded.url_pattern,
			status = excluded.status,
			error_message = excluded.error_message`,
		rec.ID, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), rec.Selector, string(ctxJSON),
		rec.Script.JSCode, rec.Script.CSSCode, rec.Script.URLMatchPattern, string(rec.Status), rec.ErrorMessage,
	)
	if err != nil {
		return ScriptRecord{}, fmt.Errorf("saving script %s: %w", rec.ID, err)
	}
	return s.GetScript(rec.ID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (ScriptRecord, error) {
	var (
		rec                  ScriptRecord
		createdAt, updatedAt string
		ctxJSON, status      string
	)
	if err := row.Scan(&rec.ID, &createdAt, &updatedAt, &rec.Selector, &ctxJSON,
		&rec.Script.JSCode, &rec.Script.CSSCode, &rec.Script.URLMatchPattern, &status, &rec.ErrorMessage); err != nil {
		return ScriptRecord{}, err
	}

	var err error
	if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return ScriptRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return ScriptRecord{}, err
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
			return ScriptRecord{}, fmt.Errorf("decoding context: %w", err)
		}
	}
	rec.Status = script.Status(status)
	return rec, nil
}

// GetScript returns the script with id, or ErrNotFound.
func (s *Store) GetScript(id string) (ScriptRecord, error) {
	rec, err := scanScript(s.db.QueryRow(`SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ScriptRecord{}, ErrNotFound
	}
	if err != nil {
		return ScriptRecord{}, err
	}
	return rec, nil
}

// ListScripts returns all scripts, most recently updated first.
func (s *Store) ListScripts() ([]ScriptRecord, error) {
	return s.queryScripts(`SELECT ` + scriptColumns + ` FROM scripts ORDER BY updated_at DESC, id ASC`)
}

// ListScriptsByStatus returns the scripts with status, most recently updated first.
func (s *Store) ListScriptsByStatus(status script.Status) ([]ScriptRecord, error) {
	return s.queryScripts(`SELECT `+scriptColumns+` FROM scripts WHERE status = ? ORDER BY updated_at DESC, id ASC`, string(status))
}

func (s *Store) queryScripts(query string, args ...any) ([]ScriptRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []ScriptRecord{}
	for rows.Next() {
		rec, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// UpdateScriptStatus sets the status and error message of a script.
func (s *Store) UpdateScriptStatus(id string, status script.Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.Exec(`UPDATE scripts SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScript removes a script and its turns.
func (s *Store) DeleteScript(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM turns WHERE script_id = ?`, id); err != nil {
		return fmt.Errorf("deleting turns: %w", err)
	}
	return tx.Commit()
}

// --- Turns ---

// AppendTurn records a conversation turn for a script. Empty ID and
// CreatedAt are filled in. The stored turn is returned.
func (s *Store) AppendTurn(t Turn) (Turn, error) {
	if strings.TrimSpace(t.ScriptID) == "" {
		return Turn{}, errors.New("turn script id is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}

	var scriptJSON string
	if t.Script != nil {
		b, err := json.Marshal(t.Script)
		if err != nil {
			return Turn{}, fmt.Errorf("encoding turn script: %w", err)
		}
		scriptJSON = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO turns (id, script_id, created_at, role, content, script_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ScriptID, formatTime(t.CreatedAt), t.Role, t.Content, scriptJSON, t.Error,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("appending turn: %w", err)
	}
	return t, nil
}

// ListTurns returns the last limit turns of a script in chronological order.
// A non-positive limit returns every turn.
func (s *Store) ListTurns(scriptID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, script_id, created_at, role, content, script_json, error FROM (
			SELECT seq, id, script_id, created_at, role, content, script_json, error
			FROM turns WHERE script_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, scriptID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		var createdAt, scriptJSON string
		if err := rows.Scan(&t.ID, &t.ScriptID, &createdAt, &t.Role, &t.Content, &scriptJSON, &t.Error); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if scriptJSON != "" {
			var p script.Payload
			if err := json.Unmarshal([]byte(scriptJSON), &p); err != nil {
				return nil, fmt.Errorf("decoding turn script: %w", err)
			}
			t.Script = &p
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
