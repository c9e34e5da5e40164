package broadcast

import (
	"errors"
	"sync"
	"testing"
)

type recordingPeer struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (p *recordingPeer) WriteEvent(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broken pipe")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPeer) received() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(Observer{})
	peers := []*recordingPeer{{}, {}, {}}
	for _, peer := range peers {
		session := hub.Connect(peer)
		hub.Subscribe(session, ChannelDesign)
	}

	published := hub.Publish(Event{Channel: ChannelDesign, Kind: KindDesignUpdated, RefID: "x"})
	if published.Seq == 0 {
		t.Fatal("expected a stamped sequence number")
	}

	for i, peer := range peers {
		events := peer.received()
		if len(events) != 1 {
			t.Fatalf("peer %d received %d events, want 1", i, len(events))
		}
		if events[0].Seq != published.Seq {
			t.Fatalf("peer %d seq = %d, want %d", i, events[0].Seq, published.Seq)
		}
		if events[0].RefID != "x" {
			t.Fatalf("peer %d ref id = %q, want %q", i, events[0].RefID, "x")
		}
	}
}

func TestPublishSkipsOtherChannels(t *testing.T) {
	t.Parallel()

	hub := NewHub(Observer{})
	designPeer := &recordingPeer{}
	contentPeer := &recordingPeer{}
	hub.Subscribe(hub.Connect(designPeer), ChannelDesign)
	hub.Subscribe(hub.Connect(contentPeer), ChannelContent)

	hub.Publish(Event{Channel: ChannelDesign, Kind: KindDesignUpdated, RefID: "x"})

	if len(designPeer.received()) != 1 {
		t.Fatal("design subscriber should receive the event")
	}
	if len(contentPeer.received()) != 0 {
		t.Fatal("content subscriber should not receive a design event")
	}
}

func TestPublishOrderingPerSession(t *testing.T) {
	t.Parallel()

	hub := NewHub(Observer{})
	peer := &recordingPeer{}
	hub.Subscribe(hub.Connect(peer), ChannelContent)

	first := hub.Publish(Event{Channel: ChannelContent, Kind: KindContentUpdated, RefID: "a"})
	second := hub.Publish(Event{Channel: ChannelContent, Kind: KindContentUpdated, RefID: "b"})
	if second.Seq <= first.Seq {
		t.Fatalf("sequence did not advance: %d then %d", first.Seq, second.Seq)
	}

	events := peer.received()
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	if events[0].RefID != "a" || events[1].RefID != "b" {
		t.Fatalf("events out of order: %v", events)
	}
}

func TestDisconnectedSessionNeverReceivesLaterEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub(Observer{})
	peer := &recordingPeer{}
	session := hub.Connect(peer)
	hub.Subscribe(session, ChannelDesign)
	hub.Disconnect(session)

	hub.Publish(Event{Channel: ChannelDesign, Kind: KindDesignUpdated, RefID: "missed"})

	// Reconnecting as a new handle must not replay the missed event.
	fresh := hub.Connect(peer)
	hub.Subscribe(fresh, ChannelDesign)
	hub.Publish(Event{Channel: ChannelDesign, Kind: KindDesignUpdated, RefID: "fresh"})

	events := peer.received()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].RefID != "fresh" {
		t.Fatalf("event = %+v, want the post-reconnect one", events[0])
	}
}

func TestDeliveryFailureIsIsolated(t *testing.T) {
	t.Parallel()

	var failedSessions []string
	hub := NewHub(Observer{
		DeliveryFailed: func(sessionID string) {
			failedSessions = append(failedSessions, sessionID)
		},
	})

	broken := &recordingPeer{fail: true}
	healthy := &recordingPeer{}
	brokenSession := hub.Connect(broken)
	hub.Subscribe(brokenSession, ChannelDesign)
	hub.Subscribe(hub.Connect(healthy), ChannelDesign)

	hub.Publish(Event{Channel: ChannelDesign, Kind: KindDesignUpdated, RefID: "x"})

	if len(healthy.received()) != 1 {
		t.Fatal("healthy subscriber must still receive the event")
	}
	if hub.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1 (broken session dropped)", hub.SessionCount())
	}
	if len(failedSessions) != 1 || failedSessions[0] != brokenSession.ID() {
		t.Fatalf("failed sessions = %v, want [%s]", failedSessions, brokenSession.ID())
	}

	// The dropped session stays dropped: later publishes skip it entirely.
	hub.Publish(Event{Channel: ChannelDesign, Kind: KindDesignUpdated, RefID: "y"})
	if len(healthy.received()) != 2 {
		t.Fatal("healthy subscriber must keep receiving events")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	disconnects := 0
	hub := NewHub(Observer{Disconnected: func(int) { disconnects++ }})
	session := hub.Connect(&recordingPeer{})
	hub.Disconnect(session)
	hub.Disconnect(session)

	if hub.SessionCount() != 0 {
		t.Fatalf("session count = %d, want 0", hub.SessionCount())
	}
	if disconnects != 1 {
		t.Fatalf("disconnect callbacks = %d, want 1", disconnects)
	}
}

func TestCurrentSeqTracksPublishes(t *testing.T) {
	t.Parallel()

	hub := NewHub(Observer{})
	if hub.CurrentSeq() != 0 {
		t.Fatal("expected zero sequence before any publish")
	}
	hub.Publish(Event{Channel: ChannelDesign, Kind: KindDesignUpdated})
	hub.Publish(Event{Channel: ChannelContent, Kind: KindContentUpdated})
	if hub.CurrentSeq() != 2 {
		t.Fatalf("current seq = %d, want 2", hub.CurrentSeq())
	}
}

func TestKindKnown(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindTemplateActivated, KindContentUpdated, KindDesignUpdated} {
		if !kind.Known() {
			t.Fatalf("kind %q should be known", kind)
		}
	}
	if Kind("hologram-updated").Known() {
		t.Fatal("future kinds must not be known")
	}
}
