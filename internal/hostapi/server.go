// Package hostapi is the local HTTP surface the desktop shell talks to:
// server-sent chat events, channel selection, the playlist/segment proxy, and
// the emote/badge snapshots.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you/couchcast/internal/badges"
	"github.com/you/couchcast/internal/bridge"
	"github.com/you/couchcast/internal/chat"
	"github.com/you/couchcast/internal/core"
	"github.com/you/couchcast/internal/emotes"
	"github.com/you/couchcast/internal/gql"
	"github.com/you/couchcast/internal/hlsloader"
	"github.com/you/couchcast/internal/session"
)

// tagged emote ids resolve against the platform CDN directly
const platformEmoteCDN = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/2.0"

const proxyTimeout = 20 * time.Second

// Event is one SSE frame pushed to connected clients.
type Event struct {
	Name string
	Data []byte
}

// Deps are the wired subsystems the surface fronts.
type Deps struct {
	Chat      *chat.Engine
	Emotes    *emotes.Store
	Providers []emotes.Provider
	Badges    *badges.Store
	API       *gql.Client
	Session   *session.Manager
	Settings  *session.Settings
	Transport bridge.Transport
}

type Options struct {
	Addr         string
	RateRPS      int
	RateBurst    int
	AllowOrigins []string
}

type Server struct {
	httpServer *http.Server
	deps       Deps
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy

	mu      sync.Mutex
	clients map[chan Event]struct{}
	closed  bool
}

func New(deps Deps, opts Options) *Server {
	srv := &Server{
		deps:    deps,
		metrics: newMetrics(),
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newCORSPolicy(opts.AllowOrigins),
		clients: make(map[chan Event]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/events", srv.handleEvents)
	mux.HandleFunc("/channel", srv.handleChannel)
	mux.HandleFunc("/chat/send", srv.handleChatSend)
	mux.HandleFunc("/chat/history", srv.handleChatHistory)
	mux.HandleFunc("/login", srv.handleLogin)
	mux.HandleFunc("/search", srv.handleSearch)
	mux.HandleFunc("/followed", srv.handleFollowed)
	mux.HandleFunc("/top-streams", srv.handleTopStreams)
	mux.HandleFunc("/stream-url", srv.handleStreamURL)
	mux.HandleFunc("/playlist", srv.handlePlaylist)
	mux.HandleFunc("/segment", srv.handleSegment)
	mux.HandleFunc("/emotes", srv.handleEmotes)
	mux.HandleFunc("/badges", srv.handleBadges)
	mux.Handle("/metrics", srv.metrics.Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if deps.Session != nil {
		deps.Session.OnLogin(func(id session.Identity) {
			srv.broadcastJSON("login-success", map[string]any{
				"userId": id.UserID,
				"login":  id.Login,
			})
		})
	}
	return srv
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if s.cors.handlePreflight(w, r) {
			return
		}
		if !s.cors.applyHeaders(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		s.metrics.ObserveRequest(r.URL.Path, r.Method, rec.Status(), dur)
		if r.URL.Path != "/events" {
			log.Printf("hostapi: %s %s %d %dB %s", r.Method, r.URL.Path, rec.Status(), rec.bytes, dur.Round(time.Millisecond))
		}
	})
}

// OnChatMessage satisfies the chat observer: enrich and fan out.
func (s *Server) OnChatMessage(ev core.ChatEvent) {
	s.broadcastJSON("chat-message", s.enrich(ev))
}

// OnChatDisconnected satisfies the chat observer.
func (s *Server) OnChatDisconnected(channel string) {
	s.broadcastJSON("chat-disconnected", map[string]any{
		"channel": channel,
	})
}

type eventPayload struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	User      string         `json:"user"`
	Color     string         `json:"color,omitempty"`
	Badges    []string       `json:"badges,omitempty"`
	Fragments []fragmentJSON `json:"fragments"`
	Text      string         `json:"text"`
	Ts        int64          `json:"ts"`
}

type fragmentJSON struct {
	Text     string `json:"text"`
	EmoteURL string `json:"emoteUrl,omitempty"`
}

// enrich resolves badge refs and emote tokens into render-ready URLs.
func (s *Server) enrich(ev core.ChatEvent) eventPayload {
	out := eventPayload{
		ID:      ev.ID,
		Channel: ev.Channel,
		User:    ev.User,
		Color:   ev.Color,
		Text:    ev.Text,
		Ts:      ev.Ts.UnixMilli(),
	}
	for _, b := range s.deps.Badges.ResolveAll(ev.Badges) {
		out.Badges = append(out.Badges, b.URL)
	}
	out.Fragments = make([]fragmentJSON, 0, len(ev.Tokens))
	for _, tok := range ev.Tokens {
		frag := fragmentJSON{Text: tok.Text}
		if tok.EmoteID != "" {
			frag.EmoteURL = fmt.Sprintf(platformEmoteCDN, tok.EmoteID)
		} else if e, ok := s.deps.Emotes.Lookup(tok.Text); ok {
			frag.EmoteURL = e.URL
		}
		out.Fragments = append(out.Fragments, frag)
	}
	return out
}

func (s *Server) broadcastJSON(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("hostapi: encode %s event: %v", name, err)
		return
	}
	s.Broadcast(Event{Name: name, Data: data})
}

// Broadcast pushes an event to every connected SSE client, dropping it for
// clients whose buffers are full.
func (s *Server) Broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
			s.metrics.IncBroadcastDrops()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan Event, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[clientCh] = struct{}{}
	s.mu.Unlock()
	s.metrics.IncSSEClients(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		s.mu.Unlock()
		s.metrics.IncSSEClients(-1)
	}()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-clientCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		s.deps.Chat.SetChannel("")
		s.deps.Emotes.ClearChannel()
		s.deps.Badges.ClearChannel()
		if s.deps.Session != nil {
			s.deps.Session.SetWatch(session.Watch{})
		}
		s.persistChannel(r.Context(), "")
		writeJSON(w, map[string]any{"channel": ""})
		return
	}

	info, err := s.deps.API.UserInfo(r.Context(), channel)
	if err != nil {
		log.Printf("hostapi: resolve channel %s: %v", channel, err)
		http.Error(w, "channel lookup failed", http.StatusBadGateway)
		return
	}

	s.deps.Chat.SetChannel(channel)
	s.deps.Emotes.ClearChannel()
	s.deps.Badges.ClearChannel()
	if s.deps.Session != nil {
		watch := session.Watch{ChannelLogin: info.Login, ChannelID: info.ID}
		if info.Stream != nil {
			watch.StreamID = info.Stream.ID
		}
		s.deps.Session.SetWatch(watch)
	}
	s.persistChannel(r.Context(), channel)

	// Channel-scoped tables load in the background; lookups fall back to
	// global scope until they land.
	go s.loadChannelTables(info.ID)

	writeJSON(w, info)
}

func (s *Server) loadChannelTables(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		emotes.LoadChannel(ctx, s.deps.Emotes, s.deps.Providers, channelID)
	}()
	go func() {
		defer wg.Done()
		list, err := s.deps.API.ChannelEmotes(ctx, channelID)
		if err != nil {
			log.Printf("hostapi: platform channel emotes: %v", err)
			return
		}
		s.deps.Emotes.SetTable(emotes.PlatformChannel, list)
	}()
	go func() {
		defer wg.Done()
		badges.LoadChannel(ctx, s.deps.Badges, s.deps.API, channelID)
	}()
	wg.Wait()
}

func (s *Server) persistChannel(ctx context.Context, channel string) {
	if s.deps.Settings == nil {
		return
	}
	var err error
	if channel == "" {
		err = s.deps.Settings.Delete(ctx, session.KeyLastChannel)
	} else {
		err = s.deps.Settings.Set(ctx, session.KeyLastChannel, channel)
	}
	if err != nil {
		log.Printf("hostapi: persist channel: %v", err)
	}
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 8192)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.deps.Chat.Send(r.Context(), req.Text); err != nil {
		if errors.Is(err, chat.ErrNotConnected) {
			http.Error(w, "not connected", http.StatusConflict)
			return
		}
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, _ *http.Request) {
	events := s.deps.Chat.History()
	out := make([]eventPayload, 0, len(events))
	for _, ev := range events {
		out = append(out, s.enrich(ev))
	}
	writeJSON(w, out)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.deps.Session.SetToken(r.Context(), req.Token); err != nil {
			http.Error(w, "token rejected", http.StatusUnauthorized)
			return
		}
		writeJSON(w, s.deps.Session.Identity())
	case http.MethodDelete:
		if err := s.deps.Session.Logout(r.Context()); err != nil {
			http.Error(w, "logout failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		writeJSON(w, s.deps.Session.Identity())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "q required", http.StatusBadRequest)
		return
	}
	data, err := s.deps.API.SearchChannels(r.Context(), query)
	if err != nil {
		log.Printf("hostapi: search %q: %v", query, err)
		http.Error(w, "search failed", http.StatusBadGateway)
		return
	}
	writeRawJSON(w, data)
}

func (s *Server) handleFollowed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Session == nil {
		http.Error(w, "not logged in", http.StatusUnauthorized)
		return
	}
	id := s.deps.Session.Identity()
	if id.UserID == "" {
		http.Error(w, "not logged in", http.StatusUnauthorized)
		return
	}
	data, err := s.deps.API.FollowedStreams(r.Context(), id.UserID)
	if err != nil {
		log.Printf("hostapi: followed streams: %v", err)
		http.Error(w, "followed streams failed", http.StatusBadGateway)
		return
	}
	writeRawJSON(w, data)
}

func (s *Server) handleTopStreams(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	data, err := s.deps.API.TopStreams(r.Context(), limit)
	if err != nil {
		log.Printf("hostapi: top streams: %v", err)
		http.Error(w, "top streams failed", http.StatusBadGateway)
		return
	}
	writeRawJSON(w, data)
}

func (s *Server) handleStreamURL(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("login")))
	if login == "" {
		http.Error(w, "login required", http.StatusBadRequest)
		return
	}
	u, err := s.deps.API.StreamURL(r.Context(), login)
	if err != nil {
		log.Printf("hostapi: stream url %s: %v", login, err)
		http.Error(w, "stream url failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"url": u})
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, hlsloader.KindPlaylist)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, hlsloader.KindSegment)
}

// proxy runs one load through the bridge loader and writes the result back.
// Client disconnects abort the in-flight fetch.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, kind hlsloader.RequestKind) {
	raw := r.URL.Query().Get("url")
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "https" && target.Scheme != "http") {
		http.Error(w, "bad url", http.StatusBadRequest)
		return
	}

	type result struct {
		resp hlsloader.Response
		code int
		errs string
	}
	done := make(chan result, 1)

	loader := hlsloader.New(s.deps.Transport)
	defer loader.Destroy()

	loader.Load(hlsloader.Request{URL: target.String(), Kind: kind}, hlsloader.Config{Timeout: proxyTimeout}, hlsloader.Callbacks{
		OnSuccess: func(resp hlsloader.Response, _ *hlsloader.Stats, _ hlsloader.Request) {
			done <- result{resp: resp}
		},
		OnError: func(code int, cause string, _ hlsloader.Request) {
			done <- result{code: code, errs: cause}
		},
	})

	select {
	case <-r.Context().Done():
		loader.Abort()
		return
	case res := <-done:
		if res.errs != "" {
			log.Printf("hostapi: proxy %s: %s", kind, res.errs)
			status := http.StatusBadGateway
			if res.code >= 400 && res.code < 600 {
				status = res.code
			}
			http.Error(w, "upstream error", status)
			return
		}
		if kind == hlsloader.KindPlaylist {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			_, _ = io.WriteString(w, res.resp.Text)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write(res.resp.Data)
	}
}

func (s *Server) handleEmotes(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Emotes.Snapshot()
	out := make(map[string]string, len(snap))
	for name, e := range snap {
		out[name] = e.URL
	}
	writeJSON(w, out)
}

func (s *Server) handleBadges(w http.ResponseWriter, _ *http.Request) {
	global, channel := s.deps.Badges.Snapshot()
	writeJSON(w, map[string]any{"global": global, "channel": channel})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON passes an upstream payload through untouched.
func writeRawJSON(w http.ResponseWriter, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) Start() error {
	log.Printf("hostapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[chan Event]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
