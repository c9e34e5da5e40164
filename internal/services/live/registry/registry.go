// Package registry owns the single-active template invariant and the sidebar
// descriptor read path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
	"github.com/meridianweb/meridian.site/internal/services/live/storage"
)

// Registry serializes template activations and resolves sidebar layouts.
//
// Activations take a registry-wide lock so concurrent swaps in one process
// never interleave; the store commits each swap as a single transaction, so
// readers never observe two active templates or none after a successful
// activation.
type Registry struct {
	activateMu sync.Mutex
	store      storage.TemplateStore

	sidebarMu    sync.Mutex
	sidebarCache map[string][]storage.SidebarElement
}

// New creates a registry over the given template store.
func New(store storage.TemplateStore) (*Registry, error) {
	if store == nil {
		return nil, errors.New("template store is required")
	}
	return &Registry{
		store:        store,
		sidebarCache: make(map[string][]storage.SidebarElement),
	}, nil
}

// Activate makes the given template the single active one.
//
// Returns the newly active template on success. An unknown id fails with
// CodeNotFound and leaves state unchanged; a swap that loses a storage-level
// race fails with CodeConflictOnActivation and must be retried by the caller.
func (r *Registry) Activate(ctx context.Context, templateID string) (storage.Template, error) {
	if r == nil || r.store == nil {
		return storage.Template{}, errors.New("registry is not configured")
	}

	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	previousID := ""
	if previous, err := r.store.GetActiveTemplate(ctx); err == nil {
		previousID = previous.ID
	}

	if err := r.store.ActivateTemplate(ctx, templateID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return storage.Template{}, apperrors.Wrap(err, apperrors.CodeNotFound, "unknown template").
				WithMetadata(map[string]string{"template_id": templateID})
		case errors.Is(err, storage.ErrConflict):
			return storage.Template{}, apperrors.Wrap(err, apperrors.CodeConflictOnActivation, "activation lost a concurrent race")
		default:
			return storage.Template{}, fmt.Errorf("activate template %s: %w", templateID, err)
		}
	}

	template, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return storage.Template{}, fmt.Errorf("load activated template %s: %w", templateID, err)
	}

	// A swap changes which layout is live; stale cached layouts for either
	// side of the swap must not outlive it.
	if previousID != "" && previousID != templateID {
		r.InvalidateSidebar(previousID)
	}
	r.InvalidateSidebar(templateID)

	return template, nil
}

// GetActive returns the currently active template.
//
// A registry that has never been activated fails with CodeNoActiveTemplate.
func (r *Registry) GetActive(ctx context.Context) (storage.Template, error) {
	if r == nil || r.store == nil {
		return storage.Template{}, errors.New("registry is not configured")
	}
	template, err := r.store.GetActiveTemplate(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveTemplate) {
			return storage.Template{}, apperrors.Wrap(err, apperrors.CodeNoActiveTemplate, "no template has been activated")
		}
		return storage.Template{}, fmt.Errorf("get active template: %w", err)
	}
	return template, nil
}

// List returns all templates in stable persisted order.
func (r *Registry) List(ctx context.Context) ([]storage.Template, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("registry is not configured")
	}
	templates, err := r.store.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}
