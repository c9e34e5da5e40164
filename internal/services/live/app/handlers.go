package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
	"github.com/meridianweb/meridian.site/internal/services/live/broadcast"
	"github.com/meridianweb/meridian.site/internal/services/live/session"
	"github.com/meridianweb/meridian.site/internal/services/live/storage"
)

type templatePayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Position int    `json:"position"`
}

type sidebarElementPayload struct {
	ElementKey string `json:"element_key"`
	Label      string `json:"label"`
	Position   int    `json:"position"`
	Target     string `json:"target"`
}

type activateResponse struct {
	Template templatePayload `json:"template"`
	Seq      uint64          `json:"sequence_number"`
}

type snapshotResponse struct {
	Channel          string                  `json:"channel"`
	Seq              uint64                  `json:"sequence_number"`
	ActiveTemplateID string                  `json:"active_template_id"`
	Sidebar          []sidebarElementPayload `json:"sidebar,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/templates", s.requireSession(s.handleTemplates))
	mux.HandleFunc("/templates/{templateID}/sidebar", s.requireSession(s.handleSidebar))
	mux.HandleFunc("/templates/{templateID}/activate", s.requireSession(s.handleActivate))
	mux.HandleFunc("/snapshot", s.requireSession(s.handleSnapshot))
	mux.HandleFunc("/logout", s.handleLogout)
}

// requireSession gates a handler on a valid session token when auth is
// configured. Offline and test servers run with a nil manager and pass
// through with empty claims.
func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, session.Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sessions == nil {
			next(w, r, session.Claims{})
			return
		}
		token := sessionTokenFromRequest(r)
		if token == "" {
			writeError(w, apperrors.New(apperrors.CodeUnauthorized, "session token is required"))
			return
		}
		claims, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, claims)
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	templates, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]templatePayload, 0, len(templates))
	for _, template := range templates {
		payload = append(payload, toTemplatePayload(template))
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": payload})
}

func (s *Server) handleSidebar(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	templateID := strings.TrimSpace(r.PathValue("templateID"))
	if templateID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "template id is required"))
		return
	}

	elements, err := s.registry.ResolveSidebar(r.Context(), templateID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sidebar": toSidebarPayload(elements)})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	templateID := strings.TrimSpace(r.PathValue("templateID"))
	if templateID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "template id is required"))
		return
	}

	template, err := s.registry.Activate(r.Context(), templateID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.TemplateActivations.Inc()

	event := s.transport.Hub().Publish(broadcast.Event{
		Channel: broadcast.ChannelDesign,
		Kind:    broadcast.KindTemplateActivated,
		RefID:   template.ID,
	})
	log.Printf("live: template %s activated, published seq %d", template.ID, event.Seq)

	writeJSON(w, http.StatusOK, activateResponse{
		Template: toTemplatePayload(template),
		Seq:      event.Seq,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if !knownChannel(channel) {
		writeError(w, apperrors.Newf(apperrors.CodeInvalidArgument, "unknown channel %q", channel))
		return
	}

	response := snapshotResponse{
		Channel: channel,
		Seq:     s.transport.Hub().CurrentSeq(),
	}
	active, err := s.registry.GetActive(r.Context())
	switch {
	case err == nil:
		response.ActiveTemplateID = active.ID
		if channel == broadcast.ChannelDesign {
			elements, err := s.registry.ResolveSidebar(r.Context(), active.ID)
			if err != nil {
				writeError(w, err)
				return
			}
			response.Sidebar = toSidebarPayload(elements)
		}
	case apperrors.IsCode(err, apperrors.CodeNoActiveTemplate):
		// A never-activated registry is a valid state, not a failure.
	default:
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "sessions are not configured"))
		return
	}
	token := sessionTokenFromRequest(r)
	if token == "" {
		writeError(w, apperrors.New(apperrors.CodeUnauthorized, "session token is required"))
		return
	}
	claims, err := s.sessions.Validate(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.sessions.Revoke(r.Context(), claims.SessionID); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.SessionRevocations.WithLabelValues(revokeOrigin(r)).Inc()
	log.Printf("live: session %s revoked origin=%s", claims.SessionID, revokeOrigin(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// revokeOrigin distinguishes explicit logout from watchdog escalation in
// metrics. Both run through the same revocation path.
func revokeOrigin(r *http.Request) string {
	if strings.EqualFold(r.Header.Get("X-Revoke-Origin"), "watchdog") {
		return "watchdog"
	}
	return "logout"
}

func toTemplatePayload(template storage.Template) templatePayload {
	return templatePayload{
		ID:       template.ID,
		Name:     template.Name,
		Active:   template.Active,
		Position: template.Position,
	}
}

func toSidebarPayload(elements []storage.SidebarElement) []sidebarElementPayload {
	payload := make([]sidebarElementPayload, 0, len(elements))
	for _, element := range elements {
		payload = append(payload, sidebarElementPayload{
			ElementKey: element.ElementKey,
			Label:      element.Label,
			Position:   element.Position,
			Target:     element.Target,
		})
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("live: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	code := apperrors.GetCode(err)
	message := err.Error()
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && domainErr != nil {
		message = domainErr.Message
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: string(code), Message: message}})
}
