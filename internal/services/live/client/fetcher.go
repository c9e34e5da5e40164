package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
)

// HTTPSnapshotFetcher reads canonical channel state from the live service's
// snapshot endpoint. The full response body is kept as the channel payload;
// only the sequence number is interpreted here.
type HTTPSnapshotFetcher struct {
	// BaseURL points at the live service, e.g. http://live.internal:8080.
	BaseURL string
	// Cookie is the raw Cookie header carrying the session token. Optional.
	Cookie string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// FetchSnapshot implements SnapshotFetcher.
func (f *HTTPSnapshotFetcher) FetchSnapshot(ctx context.Context, channel string) (Snapshot, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := fmt.Sprintf("%s/snapshot?channel=%s", f.BaseURL, url.QueryEscape(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build snapshot request: %w", err)
	}
	if f.Cookie != "" {
		req.Header.Set("Cookie", f.Cookie)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot for %s: %w", channel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot for %s: %w", channel, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, apperrors.Newf(apperrors.CodeFetchFailure, "snapshot for %s returned status %d", channel, resp.StatusCode)
	}

	var envelope struct {
		Seq uint64 `json:"sequence_number"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot for %s: %w", channel, err)
	}

	return Snapshot{Channel: channel, Seq: envelope.Seq, Payload: body}, nil
}
