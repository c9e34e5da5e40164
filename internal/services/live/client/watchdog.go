package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
	"github.com/meridianweb/meridian.site/internal/platform/timeouts"
)

// WatchdogState names one phase of the integrity check schedule.
type WatchdogState string

const (
	WatchdogScheduled   WatchdogState = "scheduled"
	WatchdogChecking    WatchdogState = "checking"
	WatchdogTerminating WatchdogState = "terminating"
	WatchdogStopped     WatchdogState = "stopped"
)

// Finding is the outcome of one probe check.
type Finding struct {
	Anomalous bool
	Detail    string
}

// Probe inspects one aspect of the client environment.
type Probe interface {
	Name() string
	Check(ctx context.Context) (Finding, error)
}

// Revoker terminates a session. The watchdog shares this path with explicit
// logout so both produce the same server-side state.
type Revoker interface {
	Revoke(ctx context.Context, sessionID string) error
}

// WatchdogConfig configures one integrity watchdog.
type WatchdogConfig struct {
	SessionID string
	Interval  time.Duration
	Probes    []Probe
	Revoker   Revoker
	// RevokeTimeout bounds the escalation call, which must outlive the
	// watchdog's own context. Zero uses timeouts.SessionRevoke.
	RevokeTimeout time.Duration
}

// Watchdog periodically runs integrity probes and revokes the session on the
// first anomaly.
//
// This is advisory UX protection for the embedding page, not a security
// boundary: a hostile environment can suppress the watchdog entirely. The
// value is ending sessions whose rendering is visibly compromised.
type Watchdog struct {
	cfg WatchdogConfig

	mu      sync.Mutex
	state   WatchdogState
	revoked bool
	anomaly error
}

// NewWatchdog creates a watchdog in the Scheduled state.
func NewWatchdog(cfg WatchdogConfig) (*Watchdog, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("check interval must be positive")
	}
	if len(cfg.Probes) == 0 {
		return nil, fmt.Errorf("at least one probe is required")
	}
	if cfg.Revoker == nil {
		return nil, fmt.Errorf("revoker is required")
	}
	if cfg.RevokeTimeout <= 0 {
		cfg.RevokeTimeout = timeouts.SessionRevoke
	}
	return &Watchdog{cfg: cfg, state: WatchdogScheduled}, nil
}

// State returns the current schedule phase.
func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Anomaly returns the CodeIntegrityAnomaly error that ended the schedule,
// or nil while no probe has reported one.
func (w *Watchdog) Anomaly() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.anomaly
}

// Run drives the check schedule until an anomaly stops it or ctx cancels it.
// A canceled run leaves the schedule without revoking; results of a check
// that finishes after cancellation are discarded.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(WatchdogStopped)
			return
		case <-ticker.C:
			if w.tick(ctx) {
				return
			}
		}
	}
}

// tick runs every probe once. Returns true when the schedule is over.
func (w *Watchdog) tick(ctx context.Context) bool {
	w.setState(WatchdogChecking)

	for _, probe := range w.cfg.Probes {
		finding, err := probe.Check(ctx)
		if ctx.Err() != nil {
			// Cancellation raced the check; whatever it found no longer matters.
			w.setState(WatchdogStopped)
			return true
		}
		if err != nil {
			// A failed check is not an anomaly. The next tick retries.
			log.Printf("live watchdog: probe %s failed: %v", probe.Name(), err)
			continue
		}
		if finding.Anomalous {
			w.escalate(ctx, probe.Name(), finding)
			return true
		}
	}

	w.setState(WatchdogScheduled)
	return false
}

// escalate revokes the session exactly once and stops the schedule.
func (w *Watchdog) escalate(ctx context.Context, probeName string, finding Finding) {
	anomaly := apperrors.New(apperrors.CodeIntegrityAnomaly, finding.Detail).
		WithMetadata(map[string]string{"probe": probeName, "session_id": w.cfg.SessionID})

	w.mu.Lock()
	if w.revoked {
		w.mu.Unlock()
		return
	}
	w.revoked = true
	w.anomaly = anomaly
	w.state = WatchdogTerminating
	w.mu.Unlock()

	log.Printf("live watchdog: %v; revoking session %s", anomaly, w.cfg.SessionID)

	// Revocation must land even when the watchdog's own context is going away.
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RevokeTimeout)
	defer cancel()
	if err := w.cfg.Revoker.Revoke(revokeCtx, w.cfg.SessionID); err != nil {
		log.Printf("live watchdog: revoke session %s failed: %v", w.cfg.SessionID, err)
	}

	w.setState(WatchdogStopped)
}

func (w *Watchdog) setState(state WatchdogState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}
