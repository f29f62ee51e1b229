package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/couchcast/internal/core"
)

// Provider is one third-party emote naming source. A provider failure is
// isolated: it contributes nothing and the merge proceeds without it.
type Provider interface {
	Name() string
	GlobalEmotes(ctx context.Context) ([]Entry, error)
	ChannelEmotes(ctx context.Context, channelID string) ([]Entry, error)
}

// Entry is one provider emote before it lands in a store table.
type Entry struct {
	Name string
	URL  string
}

const providerTimeout = 10 * time.Second

// SevenTV resolves emotes from the 7TV API.
type SevenTV struct {
	BaseURL string
	HTTP    *http.Client
}

// BetterTTV resolves emotes from the BetterTTV cached API.
type BetterTTV struct {
	BaseURL string
	CDNURL  string
	HTTP    *http.Client
}

// FrankerFaceZ resolves channel emotes from the FFZ room API. FFZ has no
// global set worth merging; GlobalEmotes returns nothing.
type FrankerFaceZ struct {
	BaseURL string
	HTTP    *http.Client
}

func NewSevenTV() *SevenTV { return &SevenTV{BaseURL: "https://7tv.io/v3"} }

func NewBetterTTV() *BetterTTV {
	return &BetterTTV{BaseURL: "https://api.betterttv.net/3", CDNURL: "https://cdn.betterttv.net"}
}

func NewFrankerFaceZ() *FrankerFaceZ {
	return &FrankerFaceZ{BaseURL: "https://api.frankerfacez.com/v1"}
}

func (p *SevenTV) Name() string { return "7tv" }

func (p *SevenTV) GlobalEmotes(ctx context.Context) ([]Entry, error) {
	var body struct {
		Emotes []sevenTVEmote `json:"emotes"`
	}
	if err := getJSON(ctx, p.HTTP, p.BaseURL+"/emote-sets/global", &body); err != nil {
		return nil, err
	}
	return convertSevenTV(body.Emotes), nil
}

func (p *SevenTV) ChannelEmotes(ctx context.Context, channelID string) ([]Entry, error) {
	var body struct {
		EmoteSet struct {
			Emotes []sevenTVEmote `json:"emotes"`
		} `json:"emote_set"`
	}
	if err := getJSON(ctx, p.HTTP, p.BaseURL+"/users/twitch/"+url.PathEscape(channelID), &body); err != nil {
		return nil, err
	}
	return convertSevenTV(body.EmoteSet.Emotes), nil
}

type sevenTVEmote struct {
	Name string `json:"name"`
	Data struct {
		Host struct {
			URL string `json:"url"`
		} `json:"host"`
	} `json:"data"`
}

func convertSevenTV(list []sevenTVEmote) []Entry {
	out := make([]Entry, 0, len(list))
	for _, e := range list {
		if e.Name == "" || e.Data.Host.URL == "" {
			continue
		}
		out = append(out, Entry{Name: e.Name, URL: "https:" + e.Data.Host.URL + "/2x.webp"})
	}
	return out
}

func (p *BetterTTV) Name() string { return "bttv" }

func (p *BetterTTV) GlobalEmotes(ctx context.Context) ([]Entry, error) {
	var list []bttvEmote
	if err := getJSON(ctx, p.HTTP, p.BaseURL+"/cached/emotes/global", &list); err != nil {
		return nil, err
	}
	return p.convert(list), nil
}

func (p *BetterTTV) ChannelEmotes(ctx context.Context, channelID string) ([]Entry, error) {
	var body struct {
		ChannelEmotes []bttvEmote `json:"channelEmotes"`
		SharedEmotes  []bttvEmote `json:"sharedEmotes"`
	}
	if err := getJSON(ctx, p.HTTP, p.BaseURL+"/cached/users/twitch/"+url.PathEscape(channelID), &body); err != nil {
		return nil, err
	}
	return p.convert(append(body.ChannelEmotes, body.SharedEmotes...)), nil
}

type bttvEmote struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

func (p *BetterTTV) convert(list []bttvEmote) []Entry {
	out := make([]Entry, 0, len(list))
	for _, e := range list {
		if e.ID == "" || e.Code == "" {
			continue
		}
		out = append(out, Entry{Name: e.Code, URL: p.CDNURL + "/emote/" + e.ID + "/2x.webp"})
	}
	return out
}

func (p *FrankerFaceZ) Name() string { return "ffz" }

func (p *FrankerFaceZ) GlobalEmotes(context.Context) ([]Entry, error) { return nil, nil }

func (p *FrankerFaceZ) ChannelEmotes(ctx context.Context, channelID string) ([]Entry, error) {
	var body struct {
		Sets map[string]struct {
			Emoticons []struct {
				Name string            `json:"name"`
				URLs map[string]string `json:"urls"`
			} `json:"emoticons"`
		} `json:"sets"`
	}
	if err := getJSON(ctx, p.HTTP, p.BaseURL+"/room/id/"+url.PathEscape(channelID), &body); err != nil {
		return nil, err
	}
	var out []Entry
	for _, set := range body.Sets {
		for _, e := range set.Emoticons {
			if e.Name == "" {
				continue
			}
			u := e.URLs["2"]
			if u == "" {
				u = e.URLs["1"]
			}
			if u == "" {
				continue
			}
			if !strings.HasPrefix(u, "http") {
				u = "https:" + u
			}
			out = append(out, Entry{Name: e.Name, URL: u})
		}
	}
	return out, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: providerTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LoadGlobal fetches every provider's global set concurrently and installs
// the aggregate as the thirdparty-global table.
func LoadGlobal(ctx context.Context, store *Store, providers []Provider) {
	store.SetTable(ThirdPartyGlobal, aggregate(providers, func(p Provider) ([]Entry, error) {
		return p.GlobalEmotes(ctx)
	}))
}

// LoadChannel fetches every provider's channel set concurrently and installs
// the aggregate as the thirdparty-channel table.
func LoadChannel(ctx context.Context, store *Store, providers []Provider, channelID string) {
	store.SetTable(ThirdPartyChannel, aggregate(providers, func(p Provider) ([]Entry, error) {
		return p.ChannelEmotes(ctx, channelID)
	}))
}

func aggregate(providers []Provider, fetch func(Provider) ([]Entry, error)) []core.Emote {
	results := make([][]Entry, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			list, err := fetch(p)
			if err != nil {
				log.Printf("emotes: %s fetch failed: %v", p.Name(), err)
				return
			}
			results[i] = list
		}(i, p)
	}
	wg.Wait()

	var out []core.Emote
	for _, list := range results {
		for _, e := range list {
			out = append(out, core.Emote{Name: e.Name, URL: e.URL})
		}
	}
	return out
}
