// Package hlsloader implements the pluggable loader contract consumed by the
// adaptive-streaming engine. Playlist requests go through the text bridge
// call, segment requests through the binary one; the engine owns retry policy.
package hlsloader

import (
	"context"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/couchcast/internal/bridge"
)

// RequestKind classifies one load.
type RequestKind int

const (
	KindPlaylist RequestKind = iota
	KindSegment
)

func (k RequestKind) String() string {
	if k == KindPlaylist {
		return "playlist"
	}
	return "segment"
}

// Classify applies the fixed URL-suffix test: manifests end in .m3u8,
// everything else is a media segment. No content negotiation.
func Classify(rawURL string) RequestKind {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	if strings.HasSuffix(strings.ToLower(path), ".m3u8") {
		return KindPlaylist
	}
	return KindSegment
}

// Request is the engine-provided load context, created per request.
type Request struct {
	URL  string
	Kind RequestKind
}

// Config carries per-load tuning from the engine.
type Config struct {
	Timeout time.Duration
}

// TimeMarks are the loading timestamps stamped on a Stats record.
type TimeMarks struct {
	Start time.Time `json:"start"`
	First time.Time `json:"first"`
	End   time.Time `json:"end"`
}

// Stats is the per-load record owned by exactly one in-flight load.
// Parsing and Buffering are contract pass-throughs for the consuming engine,
// not measurements; they are set equal to Loading.End.
type Stats struct {
	Aborted   bool      `json:"aborted"`
	Loaded    int       `json:"loaded"`
	Total     int       `json:"total"`
	Loading   TimeMarks `json:"loading"`
	Parsing   TimeMarks `json:"parsing"`
	Buffering TimeMarks `json:"buffering"`
}

// Response is handed to the success callback: decoded text for playlists,
// an owned byte buffer for segments.
type Response struct {
	URL  string
	Text string
	Data []byte
}

// Callbacks is the engine's per-load callback set. The slot is replaced on
// every Load call and scoped to that load only.
type Callbacks struct {
	OnSuccess func(resp Response, stats *Stats, req Request)
	OnError   func(code int, cause string, req Request)
	OnAbort   func(stats *Stats, req Request)
}

// Loader satisfies the streaming engine's loader interface. The engine
// guarantees one request at a time per instance, but results arrive from a
// bridge goroutine, so the generation counter gates every observable effect:
// nothing fires after Abort or Destroy returns. To keep that guarantee the
// cancelling calls drain an in-flight callback, so callbacks must not call
// back into the loader.
type Loader struct {
	transport bridge.Transport

	delivering sync.WaitGroup

	mu        sync.Mutex
	gen       uint64
	req       Request
	cb        Callbacks
	stats     *Stats
	cancel    context.CancelFunc
	destroyed bool
}

func New(t bridge.Transport) *Loader {
	return &Loader{transport: t}
}

// Load issues one request through the bridge. Exactly one of the callbacks
// fires, unless the load is aborted or destroyed first.
func (l *Loader) Load(req Request, cfg Config, cb Callbacks) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.gen++
	gen := l.gen
	l.req = req
	l.cb = cb
	l.stats = &Stats{}
	l.stats.Loading.Start = time.Now()

	ctx := context.Background()
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(ctx, gen, req)
}

func (l *Loader) run(ctx context.Context, gen uint64, req Request) {
	var (
		text string
		data []byte
		err  error
	)
	if req.Kind == KindPlaylist {
		text, err = l.transport.FetchText(ctx, req.URL)
		data = []byte(text)
	} else {
		data, err = l.transport.FetchBytes(ctx, req.URL)
	}

	l.mu.Lock()
	if gen != l.gen || l.destroyed || l.stats == nil || l.stats.Aborted {
		// Superseded or torn down while in flight; the result must not be
		// observed by the engine.
		l.mu.Unlock()
		return
	}

	stats := l.stats
	cb := l.cb
	l.stats = nil
	l.cancel = nil

	now := time.Now()
	if stats.Loading.First.IsZero() {
		stats.Loading.First = now
	}
	stats.Loading.End = now
	stats.Parsing = TimeMarks{Start: now, First: now, End: now}
	stats.Buffering = TimeMarks{Start: now, First: now, End: now}
	if err == nil {
		stats.Loaded = len(data)
		stats.Total = len(data)
	}
	// Registered under the lock so Abort and Destroy either see the new
	// generation or wait the callback out.
	l.delivering.Add(1)
	l.mu.Unlock()
	defer l.delivering.Done()

	if err != nil {
		log.Printf("hlsloader: %s load failed: %v", req.Kind, err)
		if cb.OnError != nil {
			cb.OnError(0, err.Error(), req)
		}
		return
	}
	if cb.OnSuccess != nil {
		cb.OnSuccess(Response{URL: req.URL, Text: text, Data: data}, stats, req)
	}
}

// Abort marks the in-flight load aborted and fires the abort callback if one
// was registered. A bridge result arriving later is discarded silently; a
// result already inside its callback finishes before Abort returns.
func (l *Loader) Abort() {
	l.mu.Lock()
	if l.destroyed || l.stats == nil {
		// Nothing to abort, but a result may already be inside its
		// callback; it finishes before we return.
		l.mu.Unlock()
		l.delivering.Wait()
		return
	}
	l.gen++
	stats := l.stats
	stats.Aborted = true
	req := l.req
	cb := l.cb
	l.stats = nil
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()

	l.delivering.Wait()

	if cb.OnAbort == nil {
		return
	}
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.delivering.Add(1)
	l.mu.Unlock()
	cb.OnAbort(stats, req)
	l.delivering.Done()
}

// Destroy releases the callback registration; no further callback can fire
// and the loader accepts no further loads. A callback already in flight
// finishes before Destroy returns.
func (l *Loader) Destroy() {
	l.mu.Lock()
	l.gen++
	l.destroyed = true
	l.stats = nil
	l.cb = Callbacks{}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()

	l.delivering.Wait()
}
