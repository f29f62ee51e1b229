// Package chat owns the persistent IRC-over-websocket session for the
// currently selected channel: connect, parse, dedup, rate-limit, deliver,
// reconnect. Exactly one session is active at a time.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/you/couchcast/internal/core"
)

const (
	// DefaultServerURL is the platform chat endpoint.
	DefaultServerURL = "wss://irc-ws.chat.twitch.tv:443"

	defaultReconnectDelay = 2 * time.Second
	minReconnectDelay     = 250 * time.Millisecond
	defaultHistoryCap     = 200
	defaultDedupWindow    = 500
	defaultDeliveryRate   = rate.Limit(50)
	defaultDeliveryBurst  = 100

	dialTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	keepaliveEvery  = 30 * time.Second
	maxInboundFrame = 1 << 20
)

// ErrNotConnected is returned by Send when no session is connected.
var ErrNotConnected = errors.New("chat: not connected")

// Observer receives engine notifications. There is exactly one subscriber:
// the presentation layer's boundary. Callbacks must not call back into the
// engine; SetChannel drains an in-flight notification before returning.
type Observer interface {
	OnChatMessage(core.ChatEvent)
	OnChatDisconnected(channel string)
}

// Credentials supplies the user session, if one exists. Called at connect and
// send time so token refreshes apply without restarting the engine.
type Credentials func() (login, token string, ok bool)

type Config struct {
	ServerURL      string
	Credentials    Credentials
	ReconnectDelay time.Duration
	HistoryCap     int
	DedupWindow    int
	DeliveryRate   rate.Limit
	DeliveryBurst  int
}

// Engine is the chat protocol engine. All state transitions happen under mu;
// the generation counter gates every effect of a superseded session so a slow
// teardown can never surface stale events.
type Engine struct {
	cfg     Config
	obs     Observer
	history *History

	delivering sync.WaitGroup

	mu           sync.Mutex
	gen          uint64
	state        core.ConnState
	channel      string // current selection (requested)
	joined       string // identity confirmed by the JOIN acknowledgement
	nick         string // nick used for the active session
	conn         *websocket.Conn
	cancel       context.CancelFunc
	retryAt      *time.Timer
	seen         *dedupWindow
	limiter      *rate.Limiter
	lastActivity time.Time // last inbound traffic on the active session
}

func NewEngine(cfg Config, obs Observer) *Engine {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.ReconnectDelay < minReconnectDelay {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = defaultHistoryCap
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.DeliveryRate <= 0 {
		cfg.DeliveryRate = defaultDeliveryRate
	}
	if cfg.DeliveryBurst <= 0 {
		cfg.DeliveryBurst = defaultDeliveryBurst
	}
	return &Engine{
		cfg:     cfg,
		obs:     obs,
		history: NewHistory(cfg.HistoryCap),
		state:   core.StateClosed,
		seen:    newDedupWindow(cfg.DedupWindow),
		limiter: rate.NewLimiter(cfg.DeliveryRate, cfg.DeliveryBurst),
	}
}

// SetChannel switches the active session to channel, tearing down the prior
// one first. The empty string closes the engine (explicit teardown, not a
// failure) and clears all buffered events.
func (e *Engine) SetChannel(channel string) {
	channel = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(channel, "#")))

	e.mu.Lock()
	e.gen++
	gen := e.gen
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.retryAt != nil {
		e.retryAt.Stop()
		e.retryAt = nil
	}
	e.conn = nil
	e.joined = ""
	e.seen.reset()
	e.channel = channel
	e.lastActivity = time.Time{}

	if channel == "" {
		e.state = core.StateClosed
		e.mu.Unlock()
		// Drain an in-flight delivery so no stale event lands in history
		// or reaches the observer after we return.
		e.delivering.Wait()
		e.history.Clear()
		log.Printf("chat: session closed")
		return
	}

	e.state = core.StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.delivering.Wait()
	e.history.Clear()
	go e.runSession(ctx, gen, channel)
}

// Close tears down any active session.
func (e *Engine) Close() { e.SetChannel("") }

// State reports the current connection state.
func (e *Engine) State() core.ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Channel reports the confirmed channel identity when joined, otherwise the
// requested selection.
func (e *Engine) Channel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.joined != "" {
		return e.joined
	}
	return e.channel
}

// History returns a copy of the delivered-event buffer.
func (e *Engine) History() []core.ChatEvent {
	return e.history.Snapshot()
}

// LastActivity reports when the active session last received traffic; zero
// when nothing has arrived yet.
func (e *Engine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

// Send writes one outbound message to the joined channel. Unauthenticated
// sends are a local no-op; transport failures are reported, not retried.
func (e *Engine) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if e.cfg.Credentials == nil {
		log.Printf("chat: send ignored, no user session")
		return nil
	}
	if _, _, ok := e.cfg.Credentials(); !ok {
		log.Printf("chat: send ignored, no user session")
		return nil
	}

	e.mu.Lock()
	if e.state != core.StateConnected || e.conn == nil {
		e.mu.Unlock()
		return ErrNotConnected
	}
	conn := e.conn
	channel := e.joined
	if channel == "" {
		channel = e.channel
	}
	e.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, []byte("PRIVMSG #"+channel+" :"+text)); err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	return nil
}

func (e *Engine) runSession(ctx context.Context, gen uint64, channel string) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dctx, e.cfg.ServerURL, nil)
	cancel()
	if err != nil {
		e.sessionEnded(gen, channel, fmt.Errorf("dial: %w", err))
		return
	}
	conn.SetReadLimit(maxInboundFrame)

	send := func(s string) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, []byte(s))
	}

	nick := fmt.Sprintf("justinfan%d", 10000+rand.Intn(80000))
	pass := "SCHMOOPIE"
	authed := false
	if e.cfg.Credentials != nil {
		if login, token, ok := e.cfg.Credentials(); ok {
			nick = strings.ToLower(login)
			pass = "oauth:" + strings.TrimPrefix(token, "oauth:")
			authed = true
		}
	}

	handshake := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS " + pass,
		"NICK " + nick,
		"JOIN #" + channel,
	}
	for _, line := range handshake {
		if err := send(line); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "handshake")
			e.sessionEnded(gen, channel, fmt.Errorf("handshake: %w", err))
			return
		}
	}
	log.Printf("chat: joining #%s as %s (authed=%v)", channel, nick, authed)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	e.conn = conn
	e.nick = nick
	e.mu.Unlock()

	// Client-side keepalive; the server also PINGs and is answered inline.
	go func() {
		ticker := time.NewTicker(keepaliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := send("PING :keepalive"); err != nil {
					return
				}
			}
		}
	}()

	err = e.readLoop(ctx, gen, conn, send)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	e.sessionEnded(gen, channel, err)
}

func (e *Engine) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn, send func(string) error) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		e.mu.Lock()
		if gen == e.gen {
			e.lastActivity = time.Now()
		}
		e.mu.Unlock()
		for _, raw := range strings.Split(string(data), "\r\n") {
			line := strings.TrimRight(raw, "\r\n")
			if line == "" {
				continue
			}
			if err := e.handleLine(gen, line, send); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleLine(gen uint64, line string, send func(string) error) error {
	if strings.HasPrefix(line, "PING") {
		payload := strings.TrimSpace(strings.TrimPrefix(line, "PING"))
		if payload == "" {
			payload = ":tmi.twitch.tv"
		}
		if err := send("PONG " + payload); err != nil {
			return fmt.Errorf("send PONG: %w", err)
		}
		return nil
	}

	if authFailure(line) {
		log.Printf("chat: authentication failed per server NOTICE")
		return errors.New("authentication failed")
	}

	if strings.Contains(line, " RECONNECT") && !strings.Contains(line, "PRIVMSG") {
		return errors.New("server requested reconnect")
	}

	if nick, joined, ok := parseJoin(line); ok {
		e.mu.Lock()
		if gen == e.gen && strings.EqualFold(nick, e.nick) {
			e.joined = joined
			e.state = core.StateConnected
			log.Printf("chat: joined #%s", joined)
		}
		e.mu.Unlock()
		return nil
	}

	if strings.Contains(line, "PRIVMSG") {
		ev, ok := parsePrivmsg(line)
		if !ok {
			log.Printf("chat: skipping malformed line: %.80s", line)
			return nil
		}
		e.deliver(gen, ev)
	}
	return nil
}

// deliver applies the channel filter, dedup window and delivery limiter, then
// appends to history and notifies the observer. The channel comparison runs
// at arrival time, against the live selection, so events raced across a
// switch are dropped.
func (e *Engine) deliver(gen uint64, ev core.ChatEvent) {
	engineMetrics.seen.Add(1)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	current := e.joined
	if current == "" {
		current = e.channel
	}
	if !strings.EqualFold(ev.Channel, current) {
		engineMetrics.filtered.Add(1)
		e.mu.Unlock()
		return
	}
	if !e.seen.observe(ev.ID) {
		engineMetrics.deduped.Add(1)
		e.mu.Unlock()
		return
	}
	if !e.limiter.Allow() {
		engineMetrics.rateLimited.Add(1)
		e.mu.Unlock()
		return
	}
	obs := e.obs
	// Registered under the lock so SetChannel either sees the new
	// generation or waits the delivery out.
	e.delivering.Add(1)
	e.mu.Unlock()
	defer e.delivering.Done()

	engineMetrics.delivered.Add(1)
	e.history.Append(ev)
	if obs != nil {
		obs.OnChatMessage(ev)
	}
}

// sessionEnded handles any transport-level close or error: transition to
// Disconnected and schedule one reconnect after the fixed delay. The delay is
// applied unconditionally so a hard failure cannot spin.
func (e *Engine) sessionEnded(gen uint64, channel string, cause error) {
	e.mu.Lock()
	if gen != e.gen {
		// Superseded by a channel switch or teardown; stay silent.
		e.mu.Unlock()
		return
	}
	e.state = core.StateDisconnected
	e.conn = nil
	e.joined = ""
	obs := e.obs
	delay := e.cfg.ReconnectDelay
	e.retryAt = time.AfterFunc(delay, func() { e.retry(gen, channel) })
	e.delivering.Add(1)
	e.mu.Unlock()
	defer e.delivering.Done()

	log.Printf("chat: disconnected from #%s: %v; reconnecting in %s", channel, cause, delay)
	if obs != nil {
		obs.OnChatDisconnected(channel)
	}
}

// retry re-validates that the disconnected channel is still the current
// selection before dialing again; otherwise the scheduled reconnect is a
// no-op.
func (e *Engine) retry(gen uint64, channel string) {
	e.mu.Lock()
	if gen != e.gen || e.state != core.StateDisconnected || !strings.EqualFold(e.channel, channel) {
		e.mu.Unlock()
		return
	}
	e.state = core.StateConnecting
	e.retryAt = nil
	ctx, cancel := context.WithCancel(context.Background())
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = cancel
	e.mu.Unlock()

	engineMetrics.reconnects.Add(1)
	go e.runSession(ctx, gen, channel)
}
