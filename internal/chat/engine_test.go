package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/you/couchcast/internal/core"
)

// ircServer is a loopback websocket endpoint speaking just enough IRC for the
// engine: it records inbound lines and lets tests inject outbound ones.
type ircServer struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	lines []string
	conns []*websocket.Conn

	accepted chan *websocket.Conn
	autoJoin bool
}

func newIRCServer(t *testing.T, autoJoin bool) *ircServer {
	s := &ircServer{t: t, accepted: make(chan *websocket.Conn, 8), autoJoin: autoJoin}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.accepted <- conn

		ctx := r.Context()
		nick := "justinfan1"
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			line := strings.TrimSpace(string(data))
			s.mu.Lock()
			s.lines = append(s.lines, line)
			s.mu.Unlock()
			if strings.HasPrefix(line, "NICK ") {
				nick = strings.TrimPrefix(line, "NICK ")
			}
			if s.autoJoin && strings.HasPrefix(line, "JOIN #") {
				channel := strings.TrimPrefix(line, "JOIN #")
				ack := ":" + nick + "!" + nick + "@" + nick + ".tmi.twitch.tv JOIN #" + channel
				_ = conn.Write(ctx, websocket.MessageText, []byte(ack+"\r\n"))
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *ircServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *ircServer) nickLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.HasPrefix(l, "NICK ") {
			return strings.TrimPrefix(l, "NICK ")
		}
	}
	return "justinfan1"
}

func (s *ircServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func (s *ircServer) push(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(line+"\r\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *ircServer) sentLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *ircServer) waitLine(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, l := range s.sentLines() {
			if strings.HasPrefix(l, prefix) {
				return l
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("line with prefix %q never arrived; got %v", prefix, s.sentLines())
	return ""
}

type recordingObserver struct {
	events       chan core.ChatEvent
	disconnected chan string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		events:       make(chan core.ChatEvent, 64),
		disconnected: make(chan string, 8),
	}
}

func (o *recordingObserver) OnChatMessage(ev core.ChatEvent) { o.events <- ev }
func (o *recordingObserver) OnChatDisconnected(ch string)    { o.disconnected <- ch }

func waitState(t *testing.T, e *Engine, want core.ConnState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never became %v (now %v)", want, e.State())
}

func privmsg(channel, user, id, text string) string {
	return "@id=" + id + ";display-name=" + user + ";color=#FF0000 :" +
		strings.ToLower(user) + "!" + strings.ToLower(user) + "@x.tmi.twitch.tv PRIVMSG #" + channel + " :" + text
}

func TestConnectJoinAndDeliver(t *testing.T) {
	srv := newIRCServer(t, true)
	obs := newRecordingObserver()
	e := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: time.Hour}, obs)
	defer e.Close()

	e.SetChannel("alpha")
	waitState(t, e, core.StateConnecting)
	conn := srv.waitConn(t)
	srv.waitLine(t, "CAP REQ")
	srv.waitLine(t, "PASS SCHMOOPIE")
	srv.waitLine(t, "JOIN #alpha")
	waitState(t, e, core.StateConnected)

	// PING is answered on the same read pass.
	srv.push(t, conn, "PING :tmi.twitch.tv")
	pong := srv.waitLine(t, "PONG")
	if !strings.Contains(pong, "tmi.twitch.tv") {
		t.Fatalf("pong payload %q", pong)
	}

	srv.push(t, conn, privmsg("alpha", "Viewer", "m1", "hello world"))
	select {
	case ev := <-obs.events:
		if ev.Channel != "alpha" || ev.User != "Viewer" || ev.Text != "hello world" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event never delivered")
	}

	// An event tagged with a different channel is dropped at arrival time.
	srv.push(t, conn, privmsg("beta", "Viewer", "m2", "stale"))
	select {
	case ev := <-obs.events:
		t.Fatalf("cross-channel event delivered: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	if got := e.History(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("history %+v", got)
	}
}

func TestDuplicateIDSuppressed(t *testing.T) {
	srv := newIRCServer(t, true)
	obs := newRecordingObserver()
	e := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: time.Hour}, obs)
	defer e.Close()

	e.SetChannel("alpha")
	conn := srv.waitConn(t)
	waitState(t, e, core.StateConnected)

	srv.push(t, conn, privmsg("alpha", "Viewer", "dup", "first"))
	srv.push(t, conn, privmsg("alpha", "Viewer", "dup", "first"))
	srv.push(t, conn, privmsg("alpha", "Viewer", "next", "second"))

	var got []string
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-obs.events:
			got = append(got, ev.ID)
		case <-timeout:
			t.Fatalf("only received %v", got)
		}
	}
	if got[0] != "dup" || got[1] != "next" {
		t.Fatalf("delivered %v", got)
	}
	select {
	case ev := <-obs.events:
		t.Fatalf("duplicate delivered: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	srv := newIRCServer(t, true)
	obs := newRecordingObserver()
	e := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: 300 * time.Millisecond}, obs)
	defer e.Close()

	e.SetChannel("alpha")
	conn := srv.waitConn(t)
	waitState(t, e, core.StateConnected)

	_ = conn.Close(websocket.StatusNormalClosure, "going away")

	select {
	case ch := <-obs.disconnected:
		if ch != "alpha" {
			t.Fatalf("disconnected channel %q", ch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("chat-disconnected never published")
	}
	waitState(t, e, core.StateDisconnected)

	// After the fixed delay the engine reconnects with no user action.
	srv.waitConn(t)
	waitState(t, e, core.StateConnected)
}

func TestChannelSwitchDropsStaleSession(t *testing.T) {
	srv := newIRCServer(t, true)
	obs := newRecordingObserver()
	e := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: time.Hour}, obs)
	defer e.Close()

	e.SetChannel("alpha")
	oldConn := srv.waitConn(t)
	waitState(t, e, core.StateConnected)

	e.SetChannel("beta")
	srv.waitConn(t)
	waitState(t, e, core.StateConnected)

	// A message from the superseded session must not surface, and its
	// teardown must not publish chat-disconnected.
	srv.push(t, oldConn, privmsg("alpha", "Viewer", "late", "too late"))
	select {
	case ev := <-obs.events:
		t.Fatalf("stale event delivered: %+v", ev)
	case ch := <-obs.disconnected:
		t.Fatalf("superseded session published disconnect for %q", ch)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSelectingNothingClosesAndClears(t *testing.T) {
	srv := newIRCServer(t, true)
	obs := newRecordingObserver()
	e := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: time.Hour}, obs)

	e.SetChannel("alpha")
	conn := srv.waitConn(t)
	waitState(t, e, core.StateConnected)
	srv.push(t, conn, privmsg("alpha", "Viewer", "m1", "hi"))
	select {
	case <-obs.events:
	case <-time.After(3 * time.Second):
		t.Fatal("event never delivered")
	}

	e.SetChannel("")
	if e.State() != core.StateClosed {
		t.Fatalf("state %v", e.State())
	}
	if n := len(e.History()); n != 0 {
		t.Fatalf("history not cleared: %d", n)
	}
}

// gatedObserver parks inside OnChatMessage until released.
type gatedObserver struct {
	entered  chan struct{}
	gate     chan struct{}
	finished atomic.Bool
}

func (o *gatedObserver) OnChatMessage(core.ChatEvent) {
	close(o.entered)
	<-o.gate
	o.finished.Store(true)
}

func (o *gatedObserver) OnChatDisconnected(string) {}

func TestSetChannelWaitsForInFlightDelivery(t *testing.T) {
	obs := &gatedObserver{entered: make(chan struct{}), gate: make(chan struct{})}
	e := NewEngine(Config{ServerURL: "ws://127.0.0.1:1/unreachable", ReconnectDelay: time.Hour}, obs)
	defer e.Close()

	e.SetChannel("alpha")
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	go e.deliver(gen, core.ChatEvent{ID: "m1", Channel: "alpha", User: "Viewer", Text: "hi"})

	select {
	case <-obs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("observer callback never started")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(obs.gate)
	}()

	// Teardown must not return while the delivery is still notifying.
	e.SetChannel("")
	if !obs.finished.Load() {
		t.Fatal("SetChannel returned before the in-flight delivery finished")
	}
	if n := len(e.History()); n != 0 {
		t.Fatalf("stale event survives teardown: %d", n)
	}
}

func TestLastActivityTracksInboundTraffic(t *testing.T) {
	srv := newIRCServer(t, true)
	e := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: time.Hour}, newRecordingObserver())
	defer e.Close()

	if !e.LastActivity().IsZero() {
		t.Fatal("activity stamped before any session")
	}

	e.SetChannel("alpha")
	srv.waitConn(t)
	waitState(t, e, core.StateConnected)
	if e.LastActivity().IsZero() {
		t.Fatal("join acknowledgement not stamped as activity")
	}

	e.SetChannel("")
	if !e.LastActivity().IsZero() {
		t.Fatal("activity survives teardown")
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 20; i++ {
		h.Append(core.ChatEvent{ID: string(rune('a' + i))})
	}
	if h.Len() != 5 {
		t.Fatalf("len %d", h.Len())
	}
	snap := h.Snapshot()
	if snap[0].ID != "p" || snap[4].ID != "t" {
		t.Fatalf("window %+v", snap)
	}
}

func TestDeliveryRateLimit(t *testing.T) {
	srv := newIRCServer(t, true)
	obs := newRecordingObserver()
	e := NewEngine(Config{
		ServerURL:      srv.url(),
		ReconnectDelay: time.Hour,
		DeliveryRate:   rate.Limit(1),
		DeliveryBurst:  2,
	}, obs)
	defer e.Close()

	e.SetChannel("alpha")
	conn := srv.waitConn(t)
	waitState(t, e, core.StateConnected)

	for i := 0; i < 10; i++ {
		srv.push(t, conn, privmsg("alpha", "Viewer", "id"+string(rune('0'+i)), "spam"))
	}

	delivered := 0
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case <-obs.events:
			delivered++
		case <-timeout:
			break drain
		}
	}
	if delivered > 3 {
		t.Fatalf("limiter passed %d events", delivered)
	}
	if delivered == 0 {
		t.Fatal("limiter blocked everything")
	}
}

func TestSendRequiresAuthAndConnection(t *testing.T) {
	srv := newIRCServer(t, true)
	obs := newRecordingObserver()

	// Unauthenticated send is a local no-op, not an error.
	anon := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: time.Hour}, obs)
	defer anon.Close()
	if err := anon.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("anonymous send: %v", err)
	}

	creds := func() (string, string, bool) { return "someuser", "tok123", true }
	e := NewEngine(Config{ServerURL: srv.url(), ReconnectDelay: time.Hour, Credentials: creds}, obs)
	defer e.Close()

	if err := e.Send(context.Background(), "early"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	e.SetChannel("alpha")
	srv.waitConn(t)
	waitState(t, e, core.StateConnected)
	srv.waitLine(t, "PASS oauth:tok123")

	if err := e.Send(context.Background(), "hello chat"); err != nil {
		t.Fatalf("send: %v", err)
	}
	line := srv.waitLine(t, "PRIVMSG #alpha")
	if !strings.HasSuffix(line, ":hello chat") {
		t.Fatalf("outbound line %q", line)
	}
}
