package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
	"github.com/meridianweb/meridian.site/internal/services/live/broadcast"
	"github.com/meridianweb/meridian.site/internal/services/live/session"
)

type wsUserIDContextKey struct{}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	Channels []string `json:"channels"`
}

type wsSubscribedPayload struct {
	Channels []string `json:"channels"`
	Seq      uint64   `json:"sequence_number"`
}

type wsEventPayload struct {
	Seq     uint64 `json:"sequence_number"`
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	RefID   string `json:"ref_id"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsPeer serializes frame writes for one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// WriteEvent delivers one change event as a live.event frame.
func (p *wsPeer) WriteEvent(event broadcast.Event) error {
	return p.writeFrame(wsFrame{
		Type: "live.event",
		Payload: mustJSON(wsEventPayload{
			Seq:     event.Seq,
			Channel: event.Channel,
			Kind:    string(event.Kind),
			RefID:   event.RefID,
		}),
	})
}

// newWSHandler wires the websocket route. A nil session manager disables auth.
func newWSHandler(hub *broadcast.Hub, sessions *session.Manager) http.Handler {
	inner := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if sessions != nil {
			token := sessionTokenFromRequest(r)
			if token == "" {
				log.Printf("live: websocket unauthorized: missing session cookie for remote=%s", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			claims, err := sessions.Validate(r.Context(), token)
			if err != nil {
				log.Printf("live: websocket unauthorized: %v", err)
				http.Error(w, "authentication required", apperrors.HTTPStatus(err))
				return
			}
			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, claims.UserID)
			r = r.WithContext(ctx)
		}

		inner.ServeHTTP(w, r)
	})
}

func sessionTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, hub *broadcast.Hub) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	var connected *broadcast.Session
	defer func() {
		hub.Disconnect(connected)
	}()

	decodeErrors := 0
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, frame.RequestID, apperrors.CodeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case "live.subscribe":
			connected = handleSubscribeFrame(peer, hub, connected, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, apperrors.CodeInvalidArgument, "unsupported frame type")
		}
	}
}

func handleSubscribeFrame(peer *wsPeer, hub *broadcast.Hub, connected *broadcast.Session, frame wsFrame) *broadcast.Session {
	var payload wsSubscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeInvalidArgument, "invalid subscribe payload")
		return connected
	}
	if len(payload.Channels) == 0 {
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeInvalidArgument, "channels is required")
		return connected
	}
	for _, channel := range payload.Channels {
		if !knownChannel(channel) {
			_ = writeWSError(peer, frame.RequestID, apperrors.CodeInvalidArgument, "unknown channel "+channel)
			return connected
		}
	}

	if connected == nil {
		connected = hub.Connect(peer)
	}
	for _, channel := range payload.Channels {
		hub.Subscribe(connected, channel)
	}

	_ = peer.writeFrame(wsFrame{
		Type:      "live.subscribed",
		RequestID: frame.RequestID,
		Payload: mustJSON(wsSubscribedPayload{
			Channels: payload.Channels,
			Seq:      hub.CurrentSeq(),
		}),
	})
	return connected
}

func knownChannel(channel string) bool {
	return channel == broadcast.ChannelDesign || channel == broadcast.ChannelContent
}

func writeWSError(peer *wsPeer, requestID string, code apperrors.Code, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "live.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{Code: string(code), Message: message},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("live: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
