package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
)

type scriptedProbe struct {
	mu       sync.Mutex
	findings []Finding
	errs     []error
	calls    int
}

func (p *scriptedProbe) Name() string { return "scripted" }

func (p *scriptedProbe) Check(context.Context) (Finding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	index := p.calls
	p.calls++
	if index < len(p.errs) && p.errs[index] != nil {
		return Finding{}, p.errs[index]
	}
	if index < len(p.findings) {
		return p.findings[index], nil
	}
	return Finding{}, nil
}

func (p *scriptedProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type countingRevoker struct {
	mu       sync.Mutex
	sessions []string
}

func (r *countingRevoker) Revoke(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return nil
}

func (r *countingRevoker) revoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sessions...)
}

func runWatchdog(t *testing.T, cfg WatchdogConfig) (*Watchdog, chan struct{}, context.CancelFunc) {
	t.Helper()
	watchdog, err := NewWatchdog(cfg)
	if err != nil {
		t.Fatalf("new watchdog: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchdog.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return watchdog, done, cancel
}

func TestAnomalyRevokesExactlyOnceThenStops(t *testing.T) {
	t.Parallel()

	probe := &scriptedProbe{findings: []Finding{
		{},
		{},
		{Anomalous: true, Detail: "digest mismatch"},
	}}
	revoker := &countingRevoker{}
	watchdog, done, _ := runWatchdog(t, WatchdogConfig{
		SessionID: "session-1",
		Interval:  5 * time.Millisecond,
		Probes:    []Probe{probe},
		Revoker:   revoker,
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop after the anomaly")
	}

	if watchdog.State() != WatchdogStopped {
		t.Fatalf("state = %s, want stopped", watchdog.State())
	}
	if got := revoker.revoked(); len(got) != 1 || got[0] != "session-1" {
		t.Fatalf("revocations = %v, want exactly one for session-1", got)
	}
	if probe.callCount() != 3 {
		t.Fatalf("probe checks = %d, want 3 (two clean ticks then the anomaly)", probe.callCount())
	}
	if !apperrors.IsCode(watchdog.Anomaly(), apperrors.CodeIntegrityAnomaly) {
		t.Fatalf("anomaly = %v, want %s", watchdog.Anomaly(), apperrors.CodeIntegrityAnomaly)
	}
	if meta := apperrors.GetMetadata(watchdog.Anomaly()); meta["probe"] != "scripted" {
		t.Fatalf("anomaly metadata = %v, want probe scripted", meta)
	}
}

func TestProbeErrorIsNotAnAnomaly(t *testing.T) {
	t.Parallel()

	probe := &scriptedProbe{
		errs:     []error{errors.New("asset endpoint unreachable"), nil},
		findings: []Finding{{}, {Anomalous: true, Detail: "digest mismatch"}},
	}
	revoker := &countingRevoker{}
	_, done, _ := runWatchdog(t, WatchdogConfig{
		SessionID: "session-1",
		Interval:  5 * time.Millisecond,
		Probes:    []Probe{probe},
		Revoker:   revoker,
	})

	// The failing first check must not escalate; the second check does.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop after the anomaly")
	}
	if got := revoker.revoked(); len(got) != 1 {
		t.Fatalf("revocations = %v, want exactly one", got)
	}
}

func TestCancellationStopsWithoutRevoking(t *testing.T) {
	t.Parallel()

	probe := &scriptedProbe{}
	revoker := &countingRevoker{}
	watchdog, done, cancel := runWatchdog(t, WatchdogConfig{
		SessionID: "session-1",
		Interval:  5 * time.Millisecond,
		Probes:    []Probe{probe},
		Revoker:   revoker,
	})

	waitFor(t, 2*time.Second, func() bool { return probe.callCount() >= 2 })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop after cancellation")
	}
	if watchdog.State() != WatchdogStopped {
		t.Fatalf("state = %s, want stopped", watchdog.State())
	}
	if got := revoker.revoked(); len(got) != 0 {
		t.Fatalf("revocations = %v, want none on cancellation", got)
	}
	if err := watchdog.Anomaly(); err != nil {
		t.Fatalf("anomaly = %v, want none on cancellation", err)
	}
}

func TestSecondProbeAnomalyEscalates(t *testing.T) {
	t.Parallel()

	clean := &scriptedProbe{}
	anomalous := &scriptedProbe{findings: []Finding{{Anomalous: true, Detail: "disallowed extension"}}}
	revoker := &countingRevoker{}
	_, done, _ := runWatchdog(t, WatchdogConfig{
		SessionID: "session-2",
		Interval:  5 * time.Millisecond,
		Probes:    []Probe{clean, anomalous},
		Revoker:   revoker,
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop after the anomaly")
	}
	if got := revoker.revoked(); len(got) != 1 || got[0] != "session-2" {
		t.Fatalf("revocations = %v, want exactly one for session-2", got)
	}
}
