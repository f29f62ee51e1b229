package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/couchcast/internal/badges"
	"github.com/you/couchcast/internal/bridge"
	"github.com/you/couchcast/internal/chat"
	"github.com/you/couchcast/internal/config"
	"github.com/you/couchcast/internal/core"
	"github.com/you/couchcast/internal/emotes"
	"github.com/you/couchcast/internal/gql"
	"github.com/you/couchcast/internal/hostapi"
	"github.com/you/couchcast/internal/session"
	"github.com/you/couchcast/internal/version"
)

// observerRelay breaks the construction cycle between the chat engine and the
// host surface: the engine takes it at creation, the surface is attached once
// it exists.
type observerRelay struct {
	target atomic.Pointer[hostapi.Server]
}

func (r *observerRelay) OnChatMessage(ev core.ChatEvent) {
	if srv := r.target.Load(); srv != nil {
		srv.OnChatMessage(ev)
	}
}

func (r *observerRelay) OnChatDisconnected(channel string) {
	if srv := r.target.Load(); srv != nil {
		srv.OnChatDisconnected(channel)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		listenAddr  string
		settingsDB  string
		token       string
		tokenFile   string
		channel     string
		corsOrigins string
		rateRPS     int
		rateBurst   int
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&listenAddr, "listen", "", "Host API listen address (e.g., 127.0.0.1:47420)")
	flag.StringVar(&settingsDB, "settings", "", "Path to the settings SQLite database")
	flag.StringVar(&token, "token", "", "OAuth access token for the chat session")
	flag.StringVar(&tokenFile, "token-file", "", "Path to a file containing the OAuth access token")
	flag.StringVar(&channel, "channel", "", "Channel to join on startup")
	flag.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&rateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client")
	flag.IntVar(&rateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"couchcast version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["listen"] {
		cfg.Listen = strings.TrimSpace(listenAddr)
	}
	if overrides["settings"] {
		cfg.Settings.Path = strings.TrimSpace(settingsDB)
	}
	if overrides["token"] {
		cfg.Auth.Token = strings.TrimSpace(token)
	}
	if overrides["token-file"] {
		cfg.Auth.TokenFile = strings.TrimSpace(tokenFile)
	}
	if overrides["channel"] {
		cfg.Chat.Channel = strings.TrimSpace(channel)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.AllowOrigins = nil
		for _, origin := range strings.Split(corsOrigins, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.HTTP.AllowOrigins = append(cfg.HTTP.AllowOrigins, o)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = rateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = rateBurst
	}

	log.Printf("%s", cfg.RedactedJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("couchcast: received %s, shutting down", sig)
		cancel()
	}()

	settings, err := session.OpenSettings(cfg.Settings.Path)
	if err != nil {
		log.Fatalf("couchcast: open settings: %v", err)
	}
	defer func() {
		if err := settings.Close(); err != nil {
			log.Printf("couchcast: closing settings: %v", err)
		}
	}()

	deviceID := cfg.Auth.DeviceID
	if deviceID == "" {
		if stored, ok, _ := settings.Get(ctx, session.KeyDeviceID); ok {
			deviceID = stored
		} else {
			deviceID = gql.NewDeviceID()
			if err := settings.Set(ctx, session.KeyDeviceID, deviceID); err != nil {
				log.Printf("couchcast: persist device id: %v", err)
			}
		}
	}

	api := gql.New(deviceID)
	sess := session.NewManager(api, settings)

	relay := &observerRelay{}
	engine := chat.NewEngine(chat.Config{
		ServerURL:      cfg.Chat.ServerURL,
		Credentials:    sess.Credentials,
		ReconnectDelay: cfg.ReconnectDelay(),
		HistoryCap:     cfg.Chat.HistoryCap,
		DedupWindow:    cfg.Chat.DedupWindow,
		DeliveryRate:   rate.Limit(cfg.Chat.DeliveryRate),
		DeliveryBurst:  cfg.Chat.DeliveryBurst,
	}, relay)

	emoteStore := emotes.NewStore()
	providers := []emotes.Provider{
		emotes.NewSevenTV(),
		emotes.NewBetterTTV(),
		emotes.NewFrankerFaceZ(),
	}
	badgeStore := badges.NewStore()

	srv := hostapi.New(hostapi.Deps{
		Chat:      engine,
		Emotes:    emoteStore,
		Providers: providers,
		Badges:    badgeStore,
		API:       api,
		Session:   sess,
		Settings:  settings,
		Transport: bridge.NewHTTPTransport(),
	}, hostapi.Options{
		Addr:         cfg.Listen,
		RateRPS:      cfg.HTTP.RateRPS,
		RateBurst:    cfg.HTTP.RateBurst,
		AllowOrigins: cfg.HTTP.AllowOrigins,
	})
	relay.target.Store(srv)

	// Token precedence: explicit flag/env, then token file, then the
	// persisted session.
	switch {
	case cfg.Auth.Token != "":
		if err := sess.SetToken(ctx, cfg.Auth.Token); err != nil {
			log.Printf("couchcast: login: %v", err)
		}
	case cfg.Auth.TokenFile != "":
		data, err := os.ReadFile(cfg.Auth.TokenFile)
		if err != nil {
			log.Printf("couchcast: token file: %v", err)
		} else if err := sess.SetToken(ctx, strings.TrimSpace(string(data))); err != nil {
			log.Printf("couchcast: login: %v", err)
		}
	default:
		if err := sess.Restore(ctx); err != nil {
			log.Printf("couchcast: restore session: %v", err)
		}
	}
	if cfg.Auth.TokenFile != "" {
		if err := sess.WatchTokenFile(ctx, cfg.Auth.TokenFile); err != nil {
			log.Printf("couchcast: watch token file: %v", err)
		}
	}

	// Global emote and badge tables load in the background; lookups degrade
	// to plain text until they land.
	go func() {
		loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
		defer loadCancel()
		emotes.LoadGlobal(loadCtx, emoteStore, providers)
	}()
	go func() {
		loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
		defer loadCancel()
		list, err := api.GlobalEmotes(loadCtx)
		if err != nil {
			log.Printf("couchcast: platform global emotes: %v", err)
			return
		}
		emoteStore.SetTable(emotes.PlatformGlobal, list)
	}()
	go func() {
		loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
		defer loadCancel()
		badges.LoadGlobal(loadCtx, badgeStore, api)
	}()

	startChannel := strings.TrimSpace(cfg.Chat.Channel)
	if startChannel == "" {
		if stored, ok, _ := settings.Get(ctx, session.KeyLastChannel); ok {
			startChannel = stored
		}
	}
	if startChannel != "" {
		engine.SetChannel(startChannel)
		log.Printf("couchcast: joining #%s", strings.ToLower(startChannel))
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("couchcast: host api: %v", err)
		}
	}()

	<-ctx.Done()

	engine.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("couchcast: host api shutdown: %v", err)
	}
	cancelShutdown()

	log.Printf("couchcast: shutdown complete")
}
