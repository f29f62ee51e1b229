package hlsloader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// blockingTransport parks every fetch until released, recording the request.
type blockingTransport struct {
	mu      sync.Mutex
	release chan struct{}
	text    string
	data    []byte
	err     error
	calls   []string
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{release: make(chan struct{})}
}

func (b *blockingTransport) FetchText(ctx context.Context, url string) (string, error) {
	b.note(url)
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return b.text, b.err
}

func (b *blockingTransport) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	b.note(url)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.data, b.err
}

func (b *blockingTransport) note(url string) {
	b.mu.Lock()
	b.calls = append(b.calls, url)
	b.mu.Unlock()
}

type instantTransport struct {
	text string
	data []byte
	err  error
}

func (i *instantTransport) FetchText(context.Context, string) (string, error) {
	return i.text, i.err
}

func (i *instantTransport) FetchBytes(context.Context, string) ([]byte, error) {
	return i.data, i.err
}

func TestClassify(t *testing.T) {
	cases := map[string]RequestKind{
		"https://usher.example/playlist.m3u8":         KindPlaylist,
		"https://usher.example/chunked/index.M3U8":    KindPlaylist,
		"https://usher.example/playlist.m3u8?sig=abc": KindPlaylist,
		"https://cdn.example/segment-000123.ts":       KindSegment,
		"https://cdn.example/init.mp4":                KindSegment,
		"https://cdn.example/weird/path/with.m3u8.ts": KindSegment,
	}
	for url, want := range cases {
		if got := Classify(url); got != want {
			t.Errorf("Classify(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestPlaylistLoadSuccess(t *testing.T) {
	tr := &instantTransport{text: "#EXTM3U\n#EXT-X-VERSION:3\n"}
	l := New(tr)

	done := make(chan struct{})
	var gotResp Response
	var gotStats Stats

	l.Load(Request{URL: "https://u.example/index.m3u8", Kind: KindPlaylist}, Config{}, Callbacks{
		OnSuccess: func(resp Response, stats *Stats, _ Request) {
			gotResp = resp
			gotStats = *stats
			close(done)
		},
		OnError: func(_ int, cause string, _ Request) {
			t.Errorf("unexpected error callback: %s", cause)
			close(done)
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("success callback never fired")
	}

	if gotResp.Text != tr.text {
		t.Fatalf("text %q", gotResp.Text)
	}
	if gotStats.Loaded != len(tr.text) || gotStats.Total != len(tr.text) {
		t.Fatalf("loaded=%d total=%d want %d", gotStats.Loaded, gotStats.Total, len(tr.text))
	}
	if gotStats.Loading.End.Before(gotStats.Loading.Start) {
		t.Fatal("loading.end before loading.start")
	}
	if gotStats.Loading.First.IsZero() {
		t.Fatal("loading.first never stamped")
	}
}

func TestSegmentLoadError(t *testing.T) {
	tr := &instantTransport{err: errors.New("boom")}
	l := New(tr)

	done := make(chan struct{})
	l.Load(Request{URL: "https://c.example/seg1.ts", Kind: KindSegment}, Config{}, Callbacks{
		OnSuccess: func(Response, *Stats, Request) {
			t.Error("unexpected success callback")
			close(done)
		},
		OnError: func(code int, cause string, _ Request) {
			if code != 0 {
				t.Errorf("code = %d, want 0", code)
			}
			if cause == "" {
				t.Error("empty cause")
			}
			close(done)
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never fired")
	}
}

func TestAbortSuppressesLateResult(t *testing.T) {
	tr := newBlockingTransport()
	tr.data = []byte("segment-bytes")
	l := New(tr)

	aborted := make(chan struct{})
	fired := make(chan string, 2)

	l.Load(Request{URL: "https://c.example/seg2.ts", Kind: KindSegment}, Config{}, Callbacks{
		OnSuccess: func(Response, *Stats, Request) { fired <- "success" },
		OnError:   func(int, string, Request) { fired <- "error" },
		OnAbort: func(stats *Stats, _ Request) {
			if !stats.Aborted {
				t.Error("stats.Aborted not set")
			}
			close(aborted)
		},
	})

	l.Abort()

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("abort callback never fired")
	}

	// Let the underlying bridge call complete after the abort.
	close(tr.release)

	select {
	case name := <-fired:
		t.Fatalf("%s callback fired after abort", name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDestroyReleasesCallbacks(t *testing.T) {
	tr := newBlockingTransport()
	tr.text = "#EXTM3U\n"
	l := New(tr)

	fired := make(chan string, 3)
	l.Load(Request{URL: "https://u.example/live.m3u8", Kind: KindPlaylist}, Config{}, Callbacks{
		OnSuccess: func(Response, *Stats, Request) { fired <- "success" },
		OnError:   func(int, string, Request) { fired <- "error" },
		OnAbort:   func(*Stats, Request) { fired <- "abort" },
	})

	l.Destroy()
	close(tr.release)

	select {
	case name := <-fired:
		t.Fatalf("%s callback fired after destroy", name)
	case <-time.After(200 * time.Millisecond):
	}

	// A destroyed loader accepts no further loads.
	l.Load(Request{URL: "https://u.example/live.m3u8", Kind: KindPlaylist}, Config{}, Callbacks{
		OnSuccess: func(Response, *Stats, Request) { fired <- "success" },
	})
	select {
	case <-fired:
		t.Fatal("load accepted after destroy")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDestroyWaitsForInFlightCallback(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var finished atomic.Bool

	l := New(&instantTransport{text: "#EXTM3U\n"})
	l.Load(Request{URL: "https://u.example/live.m3u8", Kind: KindPlaylist}, Config{}, Callbacks{
		OnSuccess: func(Response, *Stats, Request) {
			close(entered)
			<-gate
			finished.Store(true)
		},
	})

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("success callback never started")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	// Destroy must not return while the success callback is still running.
	l.Destroy()
	if !finished.Load() {
		t.Fatal("Destroy returned before the in-flight callback finished")
	}
}

func TestAbortWaitsForInFlightCallback(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var finished atomic.Bool

	l := New(&instantTransport{data: []byte("x")})
	l.Load(Request{URL: "https://c.example/seg.ts", Kind: KindSegment}, Config{}, Callbacks{
		OnSuccess: func(Response, *Stats, Request) {
			close(entered)
			<-gate
			finished.Store(true)
		},
		OnAbort: func(*Stats, Request) {
			t.Error("abort callback fired for a delivered load")
		},
	})

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("success callback never started")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	l.Abort()
	if !finished.Load() {
		t.Fatal("Abort returned before the in-flight callback finished")
	}
}

func TestAbortWithoutLoadIsNoop(t *testing.T) {
	l := New(&instantTransport{})
	l.Abort() // must not panic or fire anything
	l.Destroy()
	l.Abort()
}
