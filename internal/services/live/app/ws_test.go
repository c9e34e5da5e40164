package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/meridianweb/meridian.site/internal/services/live/client"
)

func dialWS(t *testing.T, srv *httptest.Server, cookie string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	var conn *websocket.Conn
	var err error
	if cookie == "" {
		conn, err = websocket.Dial(wsURL, "", srv.URL)
	} else {
		var cfg *websocket.Config
		cfg, err = websocket.NewConfig(wsURL, srv.URL)
		if err != nil {
			t.Fatalf("ws config: %v", err)
		}
		cfg.Header = make(http.Header)
		cfg.Header.Set("Cookie", cookie)
		conn, err = websocket.DialConfig(cfg)
	}
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendSubscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	payload, err := json.Marshal(wsSubscribePayload{Channels: channels})
	if err != nil {
		t.Fatalf("marshal subscribe: %v", err)
	}
	err = json.NewEncoder(conn).Encode(wsFrame{Type: "live.subscribe", Payload: payload})
	if err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
}

func readFrame(t *testing.T, decoder *json.Decoder) wsFrame {
	t.Helper()
	var frame wsFrame
	if err := decoder.Decode(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWSSubscribeReceivesActivationEvent(t *testing.T) {
	server, httpSrv := newTestServer(t, nil)
	seedTemplates(t, server, "t1")

	conn := dialWS(t, httpSrv, "")
	decoder := json.NewDecoder(conn)
	sendSubscribe(t, conn, "design")

	frame := readFrame(t, decoder)
	if frame.Type != "live.subscribed" {
		t.Fatalf("frame type = %q, want live.subscribed", frame.Type)
	}
	var subscribed wsSubscribedPayload
	if err := json.Unmarshal(frame.Payload, &subscribed); err != nil {
		t.Fatalf("decode subscribed: %v", err)
	}
	if subscribed.Seq != 0 {
		t.Fatalf("subscribed seq = %d, want 0 before any publish", subscribed.Seq)
	}

	resp, err := http.Post(httpSrv.URL+"/templates/t1/activate", "application/json", nil)
	if err != nil {
		t.Fatalf("post activate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d, want 200", resp.StatusCode)
	}

	frame = readFrame(t, decoder)
	if frame.Type != "live.event" {
		t.Fatalf("frame type = %q, want live.event", frame.Type)
	}
	var event wsEventPayload
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Kind != "template-activated" || event.Channel != "design" || event.RefID != "t1" {
		t.Fatalf("event = %+v, want template-activated for t1 on design", event)
	}
	if event.Seq != 1 {
		t.Fatalf("event seq = %d, want 1", event.Seq)
	}
}

func TestWSUnknownChannelRejected(t *testing.T) {
	_, httpSrv := newTestServer(t, nil)

	conn := dialWS(t, httpSrv, "")
	decoder := json.NewDecoder(conn)
	sendSubscribe(t, conn, "hologram")

	frame := readFrame(t, decoder)
	if frame.Type != "live.error" {
		t.Fatalf("frame type = %q, want live.error", frame.Type)
	}
	var envelope wsErrorEnvelope
	if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if envelope.Error.Code != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %q, want INVALID_ARGUMENT", envelope.Error.Code)
	}
}

func TestWSRequiresSessionWhenConfigured(t *testing.T) {
	server, httpSrv := newTestServer(t, testSessionConfig())

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	if _, err := websocket.Dial(wsURL, "", httpSrv.URL); err == nil {
		t.Fatal("dial without session cookie must fail the handshake")
	}

	token, _, err := server.Sessions().Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	conn := dialWS(t, httpSrv, sessionCookieName+"="+token)
	sendSubscribe(t, conn, "design")
	frame := readFrame(t, json.NewDecoder(conn))
	if frame.Type != "live.subscribed" {
		t.Fatalf("frame type = %q, want live.subscribed", frame.Type)
	}
}

func TestListenerFeedsReconcilerEndToEnd(t *testing.T) {
	server, httpSrv := newTestServer(t, nil)
	seedTemplates(t, server, "t1")

	reconciler, err := client.NewReconciler(client.ReconcilerConfig{
		Channels: []string{"design"},
		Fetcher:  &client.HTTPSnapshotFetcher{BaseURL: httpSrv.URL},
		// The push path drives this test; the fallback stays out of the way.
		FallbackInterval: time.Hour,
		MaxRetries:       2,
		InitialBackoff:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	listener, err := client.NewListener(client.ListenerConfig{
		URL:      "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws",
		Origin:   httpSrv.URL,
		Channels: []string{"design"},
		Sink:     reconciler,
	})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reconcilerDone := make(chan struct{})
	listenerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(ctx)
	}()
	go func() {
		defer close(listenerDone)
		listener.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-reconcilerDone
		<-listenerDone
	})

	// Give the listener a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for server.Hub().SessionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener did not subscribe in time")
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp, err := http.Post(httpSrv.URL+"/templates/t1/activate", "application/json", nil)
	if err != nil {
		t.Fatalf("post activate: %v", err)
	}
	resp.Body.Close()

	deadline = time.Now().Add(2 * time.Second)
	for {
		view, ok := reconciler.View("design")
		if ok && view.State == client.StateApplied && view.Seq == 1 {
			if !strings.Contains(string(view.Payload), `"t1"`) {
				t.Fatalf("payload = %s, want the active template id", view.Payload)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconciler did not apply the snapshot, view %+v", view)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
