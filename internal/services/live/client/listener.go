package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/websocket"

	"github.com/meridianweb/meridian.site/internal/services/live/broadcast"
)

// EventSink receives pushed events read off the wire.
type EventSink interface {
	Notify(event broadcast.Event)
}

// ListenerConfig configures one websocket listener.
type ListenerConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Origin is the value sent in the websocket handshake.
	Origin string
	// Cookie is the raw Cookie header carrying the session token. Optional.
	Cookie string
	// Channels to subscribe after each (re)connect.
	Channels []string
	Sink     EventSink
	// InitialBackoff seeds the reconnect delay. Zero uses the library default.
	InitialBackoff time.Duration
}

// Listener maintains a websocket subscription and feeds pushed events into
// the sink, reconnecting with exponential backoff when the connection drops.
type Listener struct {
	cfg ListenerConfig
}

// listener-side wire frames, mirroring the server transport.
type listenFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Channels []string `json:"channels"`
}

type eventPayload struct {
	Seq     uint64 `json:"sequence_number"`
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	RefID   string `json:"ref_id"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewListener validates the config.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if cfg.Origin == "" {
		cfg.Origin = "http://localhost/"
	}
	return &Listener{cfg: cfg}, nil
}

// Run connects and reads until ctx is canceled. Every dropped connection is
// retried; a successful subscription resets the backoff.
func (l *Listener) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	if l.cfg.InitialBackoff > 0 {
		policy.InitialInterval = l.cfg.InitialBackoff
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			log.Printf("live listener: connection lost: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.NextBackOff()):
		}
	}
}

func (l *Listener) connectAndRead(ctx context.Context) error {
	conn, err := l.dial()
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// Tear the blocking read down when ctx goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(listenFrame{
		Type:    "live.subscribe",
		Payload: mustJSON(subscribePayload{Channels: l.cfg.Channels}),
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	decoder := json.NewDecoder(conn)
	for {
		var frame listenFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("connection closed")
			}
			return fmt.Errorf("decode frame: %w", err)
		}

		switch frame.Type {
		case "live.subscribed":
			// Subscription acknowledged; nothing to do.
		case "live.event":
			var payload eventPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				log.Printf("live listener: invalid event payload: %v", err)
				continue
			}
			l.cfg.Sink.Notify(broadcast.Event{
				Seq:     payload.Seq,
				Channel: payload.Channel,
				Kind:    broadcast.Kind(payload.Kind),
				RefID:   payload.RefID,
			})
		case "live.error":
			var payload errorPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				log.Printf("live listener: invalid error payload: %v", err)
				continue
			}
			return fmt.Errorf("server error %s: %s", payload.Error.Code, payload.Error.Message)
		default:
			log.Printf("live listener: ignoring frame type %q", frame.Type)
		}
	}
}

func (l *Listener) dial() (*websocket.Conn, error) {
	if l.cfg.Cookie == "" {
		return websocket.Dial(l.cfg.URL, "", l.cfg.Origin)
	}
	cfg, err := websocket.NewConfig(l.cfg.URL, l.cfg.Origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Cookie", l.cfg.Cookie)
	return websocket.DialConfig(cfg)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("live listener: marshal frame payload: %v", err)
		return nil
	}
	return b
}
