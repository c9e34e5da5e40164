package client

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPRevoker terminates the session through the live service's logout
// endpoint, so watchdog escalation and explicit logout leave identical
// server-side state.
type HTTPRevoker struct {
	// BaseURL points at the live service.
	BaseURL string
	// Cookie is the raw Cookie header carrying the session token.
	Cookie string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Revoke implements Revoker. The session id is implied by the token cookie;
// the argument is accepted for interface symmetry and logging only.
func (r *HTTPRevoker) Revoke(ctx context.Context, _ string) error {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/logout", nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	req.Header.Set("Cookie", r.Cookie)
	req.Header.Set("X-Revoke-Origin", "watchdog")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post logout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logout returned status %d", resp.StatusCode)
	}
	return nil
}
