// Package bridge is the privileged byte-fetching primitive used by the
// streaming loader and the host surface. It exists so playlist and segment
// requests are issued outside the rendering surface's origin restrictions.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// BrowserUA is the User-Agent the upstream CDN expects from a player.
	BrowserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	defaultReferer = "https://www.twitch.tv/"
	defaultTimeout = 15 * time.Second

	maxTextBody = 8 << 20  // playlists are small; cap defensively
	maxByteBody = 64 << 20 // media segments
)

// transportMetrics tracks fetch-path counters across all transports.
type transportMetricsState struct {
	requests atomic.Int64
	failures atomic.Int64
	bytes    atomic.Int64
}

var transportMetrics transportMetricsState

// MetricsSnapshot is a point-in-time copy of the transport counters, consumed
// by the host surface's Prometheus registry.
type MetricsSnapshot struct {
	Requests int64
	Failures int64
	Bytes    int64
}

func Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Requests: transportMetrics.requests.Load(),
		Failures: transportMetrics.failures.Load(),
		Bytes:    transportMetrics.bytes.Load(),
	}
}

// Transport issues privileged fetches on behalf of the rendering surface.
type Transport interface {
	FetchText(ctx context.Context, url string) (string, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// TransportError is any bridge-level network or status failure.
type TransportError struct {
	URL    string
	Status int // zero when the request never produced a response
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge: fetch %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("bridge: fetch %s: status %d", e.URL, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// HTTPTransport is the production Transport over a shared http.Client.
type HTTPTransport struct {
	Client  *http.Client
	Referer string
}

// NewHTTPTransport returns a Transport with the player headers applied.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client:  &http.Client{Timeout: defaultTimeout},
		Referer: defaultReferer,
	}
}

func (t *HTTPTransport) FetchText(ctx context.Context, url string) (string, error) {
	body, err := t.fetch(ctx, url, maxTextBody)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (t *HTTPTransport) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return t.fetch(ctx, url, maxByteBody)
}

func (t *HTTPTransport) fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	transportMetrics.requests.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		transportMetrics.failures.Add(1)
		return nil, &TransportError{URL: url, Cause: err}
	}
	req.Header.Set("User-Agent", BrowserUA)
	if ref := strings.TrimSpace(t.Referer); ref != "" {
		req.Header.Set("Referer", ref)
	}

	resp, err := t.client().Do(req)
	if err != nil {
		transportMetrics.failures.Add(1)
		return nil, &TransportError{URL: url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transportMetrics.failures.Add(1)
		return nil, &TransportError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		transportMetrics.failures.Add(1)
		return nil, &TransportError{URL: url, Cause: err}
	}
	transportMetrics.bytes.Add(int64(len(body)))
	return body, nil
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}
