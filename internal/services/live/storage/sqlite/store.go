// Package sqlite provides a SQLite-backed live storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/meridianweb/meridian.site/internal/platform/storage/sqlitemigrate"
	"github.com/meridianweb/meridian.site/internal/services/live/storage"
	"github.com/meridianweb/meridian.site/internal/services/live/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists live service state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite live store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateTemplate inserts one template record.
func (s *Store) CreateTemplate(ctx context.Context, template storage.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	templateID := strings.TrimSpace(template.ID)
	name := strings.TrimSpace(template.Name)
	if templateID == "" {
		return fmt.Errorf("template id is required")
	}
	if name == "" {
		return fmt.Errorf("template name is required")
	}
	if template.Active {
		return fmt.Errorf("templates are created inactive; use ActivateTemplate")
	}
	createdAt := template.CreatedAt.UTC()
	updatedAt := template.UpdatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO templates (id, name, active, position, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?, ?)`,
		templateID,
		name,
		template.Position,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// GetTemplate returns one template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (storage.Template, error) {
	if err := ctx.Err(); err != nil {
		return storage.Template{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Template{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Template{}, fmt.Errorf("template id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, active, position, created_at, updated_at
		   FROM templates
		  WHERE id = ?`,
		id,
	)
	return scanTemplate(row)
}

// GetActiveTemplate returns the single active template.
func (s *Store) GetActiveTemplate(ctx context.Context) (storage.Template, error) {
	if err := ctx.Err(); err != nil {
		return storage.Template{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Template{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, active, position, created_at, updated_at
		   FROM templates
		  WHERE active = 1`,
	)
	template, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Template{}, storage.ErrNoActiveTemplate
		}
		return storage.Template{}, err
	}
	return template, nil
}

// ListTemplates returns all templates in stable order.
func (s *Store) ListTemplates(ctx context.Context) ([]storage.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, name, active, position, created_at, updated_at
		   FROM templates
		  ORDER BY position ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []storage.Template
	for rows.Next() {
		var template storage.Template
		var active int
		var createdAt int64
		var updatedAt int64
		if err := rows.Scan(
			&template.ID,
			&template.Name,
			&active,
			&template.Position,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("list templates: %w", err)
		}
		template.Active = active == 1
		template.CreatedAt = fromMillis(createdAt)
		template.UpdatedAt = fromMillis(updatedAt)
		templates = append(templates, template)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// ActivateTemplate performs the atomic single-active swap.
//
// The deactivation of the previous template and the activation of the new one
// commit as one transaction, so readers never observe two active templates or
// none after a successful swap.
func (s *Store) ActivateTemplate(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("template id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("begin activation: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM templates WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check template: %w", err)
	}

	now := toMillis(time.Now().UTC())
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE templates SET active = 0, updated_at = ? WHERE active = 1 AND id <> ?`,
		now,
		id,
	); err != nil {
		if isBusy(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("deactivate previous template: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE templates SET active = 1, updated_at = ? WHERE id = ?`,
		now,
		id,
	); err != nil {
		if isBusy(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("activate template: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("commit activation: %w", err)
	}
	return nil
}

// PutSidebarElements replaces the element set owned by one template.
func (s *Store) PutSidebarElements(ctx context.Context, templateID string, elements []storage.SidebarElement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return fmt.Errorf("template id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sidebar update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM templates WHERE id = ?`, templateID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check template: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sidebar_elements WHERE template_id = ?`, templateID); err != nil {
		return fmt.Errorf("clear sidebar elements: %w", err)
	}
	for _, element := range elements {
		elementKey := strings.TrimSpace(element.ElementKey)
		if elementKey == "" {
			return fmt.Errorf("element key is required")
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO sidebar_elements (template_id, element_key, label, position, target)
			 VALUES (?, ?, ?, ?, ?)`,
			templateID,
			elementKey,
			strings.TrimSpace(element.Label),
			element.Position,
			strings.TrimSpace(element.Target),
		); err != nil {
			return fmt.Errorf("insert sidebar element %s: %w", elementKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sidebar update: %w", err)
	}
	return nil
}

// ListSidebarElements returns a template's elements in resolution order.
func (s *Store) ListSidebarElements(ctx context.Context, templateID string) ([]storage.SidebarElement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, fmt.Errorf("template id is required")
	}

	var exists int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM templates WHERE id = ?`, templateID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("check template: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT template_id, element_key, label, position, target
		   FROM sidebar_elements
		  WHERE template_id = ?
		  ORDER BY position ASC, element_key ASC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sidebar elements: %w", err)
	}
	defer rows.Close()

	elements := make([]storage.SidebarElement, 0, 8)
	for rows.Next() {
		var element storage.SidebarElement
		if err := rows.Scan(
			&element.TemplateID,
			&element.ElementKey,
			&element.Label,
			&element.Position,
			&element.Target,
		); err != nil {
			return nil, fmt.Errorf("list sidebar elements: %w", err)
		}
		elements = append(elements, element)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sidebar elements: %w", err)
	}
	return elements, nil
}

// CreateSession inserts one session record.
func (s *Store) CreateSession(ctx context.Context, session storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID := strings.TrimSpace(session.ID)
	userID := strings.TrimSpace(session.UserID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	createdAt := session.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (id, user_id, created_at, revoked_at) VALUES (?, ?, ?, NULL)`,
		sessionID,
		userID,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Session{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, user_id, created_at, revoked_at FROM sessions WHERE id = ?`,
		id,
	)

	var session storage.Session
	var createdAt int64
	var revokedAt sql.NullInt64
	if err := row.Scan(&session.ID, &session.UserID, &createdAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	if revokedAt.Valid {
		at := fromMillis(revokedAt.Int64)
		session.RevokedAt = &at
	}
	return session, nil
}

// RevokeSession marks a session revoked. Revoking twice is a no-op.
func (s *Store) RevokeSession(ctx context.Context, id string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}

	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		toMillis(revokedAt.UTC()),
		id,
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session rows affected: %w", err)
	}
	if affected == 0 {
		// Either the session never existed or it is already revoked; only the
		// former is an error.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanTemplate(row *sql.Row) (storage.Template, error) {
	var template storage.Template
	var active int
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&template.ID,
		&template.Name,
		&active,
		&template.Position,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Template{}, storage.ErrNotFound
		}
		return storage.Template{}, fmt.Errorf("scan template: %w", err)
	}
	template.Active = active == 1
	template.CreatedAt = fromMillis(createdAt)
	template.UpdatedAt = fromMillis(updatedAt)
	return template, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") || strings.Contains(message, "database table is locked")
}

var _ storage.TemplateStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
