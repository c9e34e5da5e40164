package broadcast

import (
	"errors"
	"net/http"
	"sync"
)

// Transport is the process-wide singleton binding between the hub and the
// externally-owned HTTP server object.
type Transport struct {
	hub  *Hub
	path string
}

// Hub returns the hub carried by this transport.
func (t *Transport) Hub() *Hub {
	if t == nil {
		return nil
	}
	return t.hub
}

// Path returns the route the transport attached to.
func (t *Transport) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

var process struct {
	mu        sync.Mutex
	transport *Transport
}

// AttachTransport wires the live websocket route onto mux exactly once per
// process lifetime and returns the process transport.
//
// Repeated bootstrap attempts (hot reload, duplicate initialization paths)
// are detected and become no-ops returning the existing transport; the
// returned bool reports whether this call performed the attachment.
// http.ServeMux panics on duplicate patterns, so the check-and-set guard is
// what makes double bootstrap safe.
func AttachTransport(mux *http.ServeMux, path string, build func(*Hub) http.Handler, observer Observer) (*Transport, bool, error) {
	if mux == nil {
		return nil, false, errors.New("server mux is required")
	}
	if path == "" {
		return nil, false, errors.New("transport path is required")
	}
	if build == nil {
		return nil, false, errors.New("handler builder is required")
	}

	process.mu.Lock()
	defer process.mu.Unlock()

	if process.transport != nil {
		return process.transport, false, nil
	}

	hub := NewHub(observer)
	mux.Handle(path, build(hub))
	process.transport = &Transport{hub: hub, path: path}
	return process.transport, true, nil
}

// ProcessTransport returns the attached transport, or nil before bootstrap.
func ProcessTransport() *Transport {
	process.mu.Lock()
	defer process.mu.Unlock()
	return process.transport
}

// TeardownTransport disconnects every session and resets the bootstrap guard.
// Called on process shutdown; a later AttachTransport starts fresh.
func TeardownTransport() {
	process.mu.Lock()
	transport := process.transport
	process.transport = nil
	process.mu.Unlock()

	if transport != nil && transport.hub != nil {
		transport.hub.CloseAll()
	}
}
