package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ResourceSignatureProbe fetches a pinned asset and compares its SHA-256
// digest against the expected value. A mismatch means the served resource is
// not the one the deployment pinned.
type ResourceSignatureProbe struct {
	// URL of the asset to verify.
	URL string
	// ExpectedSHA256 is the hex digest of the pinned bytes.
	ExpectedSHA256 string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Name identifies the probe in logs.
func (p *ResourceSignatureProbe) Name() string {
	return "resource-signature"
}

// Check downloads the asset and compares digests. Transport and status
// failures are errors, not anomalies.
func (p *ResourceSignatureProbe) Check(ctx context.Context) (Finding, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Finding{}, fmt.Errorf("build request for %s: %w", p.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Finding{}, fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Finding{}, fmt.Errorf("fetch %s: status %d", p.URL, resp.StatusCode)
	}

	digest := sha256.New()
	if _, err := io.Copy(digest, resp.Body); err != nil {
		return Finding{}, fmt.Errorf("read %s: %w", p.URL, err)
	}
	actual := hex.EncodeToString(digest.Sum(nil))
	if !strings.EqualFold(actual, p.ExpectedSHA256) {
		return Finding{
			Anomalous: true,
			Detail:    fmt.Sprintf("resource %s digest %s does not match pinned %s", p.URL, actual, p.ExpectedSHA256),
		}, nil
	}
	return Finding{}, nil
}

// ExtensionInventoryProbe asks the embedder for the set of active browser
// extensions and flags any that appear on the disallowed list. The inventory
// function is supplied by the embedding runtime; this process cannot
// enumerate a browser by itself.
type ExtensionInventoryProbe struct {
	// Inventory returns the identifiers currently active in the client
	// environment.
	Inventory func(ctx context.Context) ([]string, error)
	// Disallowed is the set of identifiers that trigger an anomaly.
	Disallowed map[string]struct{}
}

// Name identifies the probe in logs.
func (p *ExtensionInventoryProbe) Name() string {
	return "extension-inventory"
}

// Check reports an anomaly when any disallowed identifier is active.
func (p *ExtensionInventoryProbe) Check(ctx context.Context) (Finding, error) {
	if p.Inventory == nil {
		return Finding{}, fmt.Errorf("inventory function is not configured")
	}
	active, err := p.Inventory(ctx)
	if err != nil {
		return Finding{}, fmt.Errorf("list extensions: %w", err)
	}
	for _, identifier := range active {
		if _, banned := p.Disallowed[identifier]; banned {
			return Finding{
				Anomalous: true,
				Detail:    fmt.Sprintf("disallowed extension %s is active", identifier),
			}, nil
		}
	}
	return Finding{}, nil
}
