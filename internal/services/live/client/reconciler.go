// Package client keeps a consumer's local copy of live state converged with
// the server and watches its environment for integrity anomalies.
package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
	"github.com/meridianweb/meridian.site/internal/services/live/broadcast"
)

// State names one phase of the per-client reconciliation machine.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateApplied  State = "applied"
	StateErrored  State = "errored"
)

// Snapshot is one authoritative read of a channel's current state.
type Snapshot struct {
	Channel string
	Seq     uint64
	Payload []byte
}

// SnapshotFetcher reads the canonical state for one channel.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, channel string) (Snapshot, error)
}

// ChannelView is the externally observable state of one reconciled channel.
type ChannelView struct {
	State   State
	Seq     uint64
	Payload []byte
	Stale   bool
}

// ReconcilerConfig configures one reconciler.
type ReconcilerConfig struct {
	// Channels is the subscription set; every pushed event outside it is ignored.
	Channels []string
	Fetcher  SnapshotFetcher
	// FallbackInterval refetches everything when no event arrived for this long.
	FallbackInterval time.Duration
	// MaxRetries bounds fetch retries beyond the first attempt.
	MaxRetries uint64
	// InitialBackoff seeds the exponential retry delay. Zero uses the library default.
	InitialBackoff time.Duration
}

// Reconciler converges local channel snapshots with the server.
//
// Run owns the machine; Notify and the view accessors are safe from other
// goroutines. A snapshot older than the last applied one for its channel is
// discarded, so the applied sequence never moves backwards.
type Reconciler struct {
	cfg    ReconcilerConfig
	events chan broadcast.Event

	mu       sync.Mutex
	channels map[string]*channelSlot
}

type channelSlot struct {
	state   State
	seq     uint64
	payload []byte
	stale   bool
}

// NewReconciler creates an idle reconciler for the given channels.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("snapshot fetcher is required")
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = time.Minute
	}

	channels := make(map[string]*channelSlot, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		channels[channel] = &channelSlot{state: StateIdle}
	}
	return &Reconciler{
		cfg:      cfg,
		events:   make(chan broadcast.Event, 16),
		channels: channels,
	}, nil
}

// Notify hands a pushed event to the reconciliation loop. A full queue drops
// the event; the fallback timer covers the miss.
func (r *Reconciler) Notify(event broadcast.Event) {
	select {
	case r.events <- event:
	default:
		log.Printf("live client: event queue full, dropping seq %d on %s", event.Seq, event.Channel)
	}
}

// View returns the observable state of one channel.
func (r *Reconciler) View(channel string) (ChannelView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.channels[channel]
	if !ok {
		return ChannelView{}, false
	}
	return ChannelView{
		State:   slot.state,
		Seq:     slot.seq,
		Payload: append([]byte(nil), slot.payload...),
		Stale:   slot.stale,
	}, true
}

// Run drives reconciliation until ctx is canceled. Each pushed event triggers
// a fetch of its channel; silence for the fallback interval refetches all.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(r.cfg.FallbackInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.events:
			r.handleEvent(ctx, event)
		case <-timer.C:
			r.fetchAll(ctx)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.cfg.FallbackInterval)
	}
}

func (r *Reconciler) handleEvent(ctx context.Context, event broadcast.Event) {
	if !event.Kind.Known() {
		// A kind from a newer server means the local model of what changed
		// is incomplete; refetch everything subscribed.
		log.Printf("live client: unknown event kind %q, refetching all channels", event.Kind)
		r.fetchAll(ctx)
		return
	}

	r.mu.Lock()
	slot, subscribed := r.channels[event.Channel]
	applied := uint64(0)
	if subscribed {
		applied = slot.seq
	}
	r.mu.Unlock()
	if !subscribed {
		return
	}
	if event.Seq != 0 && event.Seq <= applied {
		log.Printf("live client: discard stale event seq %d on %s (applied %d)", event.Seq, event.Channel, applied)
		return
	}

	r.fetchChannel(ctx, event.Channel)
}

func (r *Reconciler) fetchAll(ctx context.Context) {
	for _, channel := range r.cfg.Channels {
		if ctx.Err() != nil {
			return
		}
		r.fetchChannel(ctx, channel)
	}
}

func (r *Reconciler) fetchChannel(ctx context.Context, channel string) {
	r.setState(channel, StateFetching)

	snapshot, err := r.fetchWithRetry(ctx, channel)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("live client: fetch %s failed: %v", channel, err)
		r.markErrored(channel)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.channels[channel]
	if !ok {
		return
	}
	if snapshot.Seq < slot.seq {
		// An older authoritative read raced a newer apply; keep what we have.
		slot.state = StateApplied
		return
	}
	slot.seq = snapshot.Seq
	slot.payload = snapshot.Payload
	slot.stale = false
	slot.state = StateApplied
}

func (r *Reconciler) fetchWithRetry(ctx context.Context, channel string) (Snapshot, error) {
	policy := backoff.NewExponentialBackOff()
	if r.cfg.InitialBackoff > 0 {
		policy.InitialInterval = r.cfg.InitialBackoff
	}
	var snapshot Snapshot
	operation := func() error {
		var err error
		snapshot, err = r.cfg.Fetcher.FetchSnapshot(ctx, channel)
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxRetries), ctx))
	if err != nil {
		return Snapshot{}, apperrors.Wrap(err, apperrors.CodeFetchFailure, "snapshot fetch exhausted retries")
	}
	return snapshot, nil
}

func (r *Reconciler) setState(channel string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.channels[channel]; ok {
		slot.state = state
	}
}

func (r *Reconciler) markErrored(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.channels[channel]
	if !ok {
		return
	}
	// The last good payload survives; it is just flagged as possibly stale.
	slot.state = StateErrored
	slot.stale = true
}
