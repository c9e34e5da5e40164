package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
	"github.com/meridianweb/meridian.site/internal/services/live/storage"
)

// ResolveSidebar returns the ordered sidebar layout for one template.
//
// Elements sort by position ascending with element key as a deterministic
// tiebreak. Results are cached per template id until the element set changes.
func (r *Registry) ResolveSidebar(ctx context.Context, templateID string) ([]storage.SidebarElement, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("registry is not configured")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "template id is required")
	}

	r.sidebarMu.Lock()
	cached, ok := r.sidebarCache[templateID]
	r.sidebarMu.Unlock()
	if ok {
		return cloneElements(cached), nil
	}

	elements, err := r.store.ListSidebarElements(ctx, templateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.Wrap(err, apperrors.CodeNotFound, "unknown template").
				WithMetadata(map[string]string{"template_id": templateID})
		}
		return nil, fmt.Errorf("resolve sidebar for %s: %w", templateID, err)
	}

	sort.SliceStable(elements, func(i, j int) bool {
		if elements[i].Position != elements[j].Position {
			return elements[i].Position < elements[j].Position
		}
		return elements[i].ElementKey < elements[j].ElementKey
	})

	r.sidebarMu.Lock()
	r.sidebarCache[templateID] = cloneElements(elements)
	r.sidebarMu.Unlock()

	return elements, nil
}

// UpdateSidebar replaces a template's element set and invalidates its cache.
func (r *Registry) UpdateSidebar(ctx context.Context, templateID string, elements []storage.SidebarElement) error {
	if r == nil || r.store == nil {
		return errors.New("registry is not configured")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "template id is required")
	}

	if err := r.store.PutSidebarElements(ctx, templateID, elements); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.Wrap(err, apperrors.CodeNotFound, "unknown template").
				WithMetadata(map[string]string{"template_id": templateID})
		}
		return fmt.Errorf("update sidebar for %s: %w", templateID, err)
	}

	r.InvalidateSidebar(templateID)
	return nil
}

// InvalidateSidebar drops the cached layout for one template.
func (r *Registry) InvalidateSidebar(templateID string) {
	if r == nil {
		return
	}
	r.sidebarMu.Lock()
	delete(r.sidebarCache, strings.TrimSpace(templateID))
	r.sidebarMu.Unlock()
}

func cloneElements(elements []storage.SidebarElement) []storage.SidebarElement {
	clone := make([]storage.SidebarElement, len(elements))
	copy(clone, elements)
	return clone
}
