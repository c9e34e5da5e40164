// Package storage defines persistence contracts for live service state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNoActiveTemplate indicates no template has ever been activated.
	ErrNoActiveTemplate = errors.New("no active template")
	// ErrConflict indicates a mutation lost a race and should be retried by the caller.
	ErrConflict = errors.New("conflicting concurrent mutation")
)

// Template stores one visual/content template record.
//
// At most one template has Active set at any observable instant; the store
// enforces the invariant with an atomic activation swap.
type Template struct {
	ID        string
	Name      string
	Active    bool
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SidebarElement stores one ordered configuration element owned by a template.
type SidebarElement struct {
	TemplateID string
	ElementKey string
	Label      string
	Position   int
	Target     string
}

// Session stores one authenticated session record.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the session has been revoked.
func (s Session) Revoked() bool {
	return s.RevokedAt != nil
}

// TemplateStore persists template records and their sidebar elements.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, template Template) error
	GetTemplate(ctx context.Context, id string) (Template, error)
	// GetActiveTemplate returns the single active template or ErrNoActiveTemplate.
	GetActiveTemplate(ctx context.Context) (Template, error)
	// ListTemplates returns all templates ordered by position, id tiebreak.
	ListTemplates(ctx context.Context) ([]Template, error)
	// ActivateTemplate atomically clears the previous active flag and sets the
	// new one. Returns ErrNotFound for an unknown id (state unchanged) and
	// ErrConflict when the swap loses a storage-level race.
	ActivateTemplate(ctx context.Context, id string) error
	// PutSidebarElements replaces the element set owned by one template.
	PutSidebarElements(ctx context.Context, templateID string, elements []SidebarElement) error
	// ListSidebarElements returns a template's elements ordered by position,
	// element key tiebreak. Returns ErrNotFound for an unknown template.
	ListSidebarElements(ctx context.Context, templateID string) ([]SidebarElement, error)
}

// SessionStore persists session records for the revocation path.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// RevokeSession marks a session revoked. Revoking an already-revoked
	// session is a no-op; an unknown id returns ErrNotFound.
	RevokeSession(ctx context.Context, id string, revokedAt time.Time) error
}
