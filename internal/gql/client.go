// Package gql is the thin catalog-API client: playback access tokens and the
// usher URL for the player, user/channel lookups, and the platform emote and
// badge tables consumed by the resolution layer.
package gql

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/couchcast/internal/bridge"
	"github.com/you/couchcast/internal/core"
)

const (
	// gqlClientID is the platform's own web client id; custom ids are not
	// accepted by the GQL endpoint.
	gqlClientID = "kd1unb4b3q4t58fwlpcbzcbnm76a8fp"

	defaultGQLURL   = "https://gql.twitch.tv/gql/"
	defaultHelixURL = "https://api.twitch.tv/helix"
	defaultUsherURL = "https://usher.ttvnw.net/api/v2/channel/hls"

	playbackTokenQueryHash = "ed230aa1e33e07eebb8928504583da78a5173989fadfb1ac94be06a04f3cdbe9"

	requestTimeout = 15 * time.Second
)

// HelixClientID is the application client id used for Helix requests.
const HelixClientID = "jm293pd1wulfgmdfb8lsw2nkjp2717"

// Client talks to the GQL and Helix endpoints. Safe for concurrent use; the
// access token may be replaced at any time by the session manager.
type Client struct {
	GQLURL   string
	HelixURL string
	UsherURL string
	HTTP     *http.Client

	deviceID string

	mu    sync.Mutex
	token string
}

// ChannelInfo is the subset of user/channel data the core needs.
type ChannelInfo struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"displayName"`
	ProfileImageURL string `json:"profileImageURL"`
	Stream          *struct {
		ID           string `json:"id"`
		Title        string `json:"title"`
		ViewersCount int    `json:"viewersCount"`
	} `json:"stream"`
}

// SelfInfo identifies the authenticated user.
type SelfInfo struct {
	ID    string
	Login string
}

func New(deviceID string) *Client {
	if deviceID == "" {
		deviceID = NewDeviceID()
	}
	return &Client{
		GQLURL:   defaultGQLURL,
		HelixURL: defaultHelixURL,
		UsherURL: defaultUsherURL,
		HTTP:     &http.Client{Timeout: requestTimeout},
		deviceID: deviceID,
	}
}

// NewDeviceID generates the 32-char hex device identifier the GQL endpoint
// expects.
func NewDeviceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000deadbeefdeadbeef"
	}
	return hex.EncodeToString(b)
}

func (c *Client) DeviceID() string { return c.deviceID }

func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) Authenticated() bool { return c.AccessToken() != "" }

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

func (c *Client) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GQLURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Client-Id", gqlClientID)
	req.Header.Set("X-Device-Id", c.deviceID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://www.twitch.tv")
	req.Header.Set("Referer", "https://www.twitch.tv/")
	req.Header.Set("User-Agent", bridge.BrowserUA)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gql status %d", resp.StatusCode)
	}

	var parsed gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if parsed.Data == nil || string(parsed.Data) == "null" {
		if len(parsed.Errors) > 0 {
			return fmt.Errorf("gql: %s", parsed.Errors[0].Message)
		}
		return errors.New("gql: empty response")
	}
	if err := json.Unmarshal(parsed.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (c *Client) helixGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.HelixURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Client-Id", HelixClientID)
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("helix status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PlaybackAccessToken fetches the signed token gating stream playback.
func (c *Client) PlaybackAccessToken(ctx context.Context, login string) (signature, value string, err error) {
	payload := map[string]any{
		"operationName": "PlaybackAccessToken",
		"variables": map[string]any{
			"isLive":     true,
			"login":      login,
			"isVod":      false,
			"vodID":      "",
			"platform":   "web",
			"playerType": "site",
		},
		"extensions": map[string]any{
			"persistedQuery": map[string]any{
				"version":    1,
				"sha256Hash": playbackTokenQueryHash,
			},
		},
	}
	var data struct {
		StreamPlaybackAccessToken *struct {
			Signature string `json:"signature"`
			Value     string `json:"value"`
		} `json:"streamPlaybackAccessToken"`
	}
	if err := c.post(ctx, payload, &data); err != nil {
		return "", "", err
	}
	if data.StreamPlaybackAccessToken == nil {
		return "", "", errors.New("gql: no playback access token")
	}
	return data.StreamPlaybackAccessToken.Signature, data.StreamPlaybackAccessToken.Value, nil
}

// StreamURL resolves the playable usher playlist URL for a live channel.
func (c *Client) StreamURL(ctx context.Context, login string) (string, error) {
	sig, value, err := c.PlaybackAccessToken(ctx, login)
	if err != nil {
		return "", err
	}
	p, _ := rand.Int(rand.Reader, big.NewInt(9999999))
	return fmt.Sprintf(
		"%s/%s.m3u8?allow_source=true&allow_audio_only=true&fast_bread=true&p=%d&sig=%s&token=%s",
		c.UsherURL, url.PathEscape(strings.ToLower(login)), p, sig, url.QueryEscape(value),
	), nil
}

// UserInfo resolves a channel by login, including its live stream if any.
func (c *Client) UserInfo(ctx context.Context, login string) (*ChannelInfo, error) {
	const query = `
		query GetUser($login: String!) {
			user(login: $login) {
				id
				login
				displayName
				profileImageURL(width: 300)
				stream {
					id
					title
					viewersCount
				}
			}
		}`
	var data struct {
		User *ChannelInfo `json:"user"`
	}
	payload := map[string]any{"query": query, "variables": map[string]any{"login": login}}
	if err := c.post(ctx, payload, &data); err != nil {
		return nil, err
	}
	if data.User == nil {
		return nil, fmt.Errorf("gql: user %q not found", login)
	}
	return data.User, nil
}

// Self identifies the authenticated user via Helix.
func (c *Client) Self(ctx context.Context) (SelfInfo, error) {
	if !c.Authenticated() {
		return SelfInfo{}, errors.New("gql: not authenticated")
	}
	var data struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := c.helixGet(ctx, "/users", &data); err != nil {
		return SelfInfo{}, err
	}
	if len(data.Data) == 0 || data.Data[0].Login == "" {
		return SelfInfo{}, errors.New("gql: no user data returned")
	}
	return SelfInfo{ID: data.Data[0].ID, Login: data.Data[0].Login}, nil
}

// SearchChannels returns the raw search payload for the presentation layer.
func (c *Client) SearchChannels(ctx context.Context, query string) (json.RawMessage, error) {
	const gqlQuery = `
		query SearchChannels($query: String!, $first: Int) {
			searchUsers(userQuery: $query, first: $first) {
				edges {
					node {
						id
						login
						displayName
						profileImageURL(width: 70)
						stream {
							id
							viewersCount
							game {
								displayName
							}
						}
					}
				}
			}
		}`
	var data json.RawMessage
	payload := map[string]any{"query": gqlQuery, "variables": map[string]any{"query": query, "first": 20}}
	if err := c.post(ctx, payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// FollowedStreams returns the authenticated user's live followed channels.
func (c *Client) FollowedStreams(ctx context.Context, userID string) (json.RawMessage, error) {
	if !c.Authenticated() {
		return nil, errors.New("gql: not authenticated")
	}
	var data json.RawMessage
	path := "/streams/followed?user_id=" + url.QueryEscape(userID) + "&first=100"
	if err := c.helixGet(ctx, path, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// TopStreams returns the raw top-streams payload for the presentation layer.
func (c *Client) TopStreams(ctx context.Context, limit int) (json.RawMessage, error) {
	const query = `
		query GetTopStreams($first: Int) {
			streams(first: $first) {
				edges {
					node {
						id
						broadcaster {
							id
							login
							displayName
							profileImageURL(width: 70)
						}
						viewersCount
						title
						game {
							id
							displayName
							name
						}
						previewImageURL(width: 440, height: 248)
					}
				}
			}
		}`
	if limit <= 0 {
		limit = 20
	}
	var data json.RawMessage
	payload := map[string]any{"query": query, "variables": map[string]any{"first": limit}}
	if err := c.post(ctx, payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// GlobalEmotes fetches the platform's global emote table.
func (c *Client) GlobalEmotes(ctx context.Context) ([]core.Emote, error) {
	var data helixEmoteResponse
	if err := c.helixGet(ctx, "/chat/emotes/global", &data); err != nil {
		return nil, err
	}
	return data.convert(), nil
}

// ChannelEmotes fetches a channel's subscriber emote table.
func (c *Client) ChannelEmotes(ctx context.Context, channelID string) ([]core.Emote, error) {
	var data helixEmoteResponse
	if err := c.helixGet(ctx, "/chat/emotes?broadcaster_id="+url.QueryEscape(channelID), &data); err != nil {
		return nil, err
	}
	return data.convert(), nil
}

type helixEmoteResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Images struct {
			URL1x string `json:"url_1x"`
			URL2x string `json:"url_2x"`
			URL4x string `json:"url_4x"`
		} `json:"images"`
	} `json:"data"`
}

func (r helixEmoteResponse) convert() []core.Emote {
	out := make([]core.Emote, 0, len(r.Data))
	for _, e := range r.Data {
		u := e.Images.URL2x
		if u == "" {
			u = e.Images.URL1x
		}
		if e.Name == "" || u == "" {
			continue
		}
		out = append(out, core.Emote{Name: e.Name, URL: u})
	}
	return out
}

type gqlBadge struct {
	SetID    string `json:"setID"`
	Version  string `json:"version"`
	ImageURL string `json:"imageURL"`
}

// GlobalBadges fetches the platform's global badge sets.
func (c *Client) GlobalBadges(ctx context.Context) ([]core.BadgeSet, error) {
	const query = `
		query Badges {
			badges {
				imageURL(size: DOUBLE)
				setID
				version
			}
		}`
	var data struct {
		Badges []gqlBadge `json:"badges"`
	}
	payload := map[string]any{"query": query, "variables": map[string]any{}}
	if err := c.post(ctx, payload, &data); err != nil {
		return nil, err
	}
	return groupBadges(data.Badges), nil
}

// ChannelBadges fetches one channel's broadcast badge sets.
func (c *Client) ChannelBadges(ctx context.Context, channelID string) ([]core.BadgeSet, error) {
	const query = `
		query UserBadges($id: ID) {
			user(id: $id, lookupType: ALL) {
				broadcastBadges {
					imageURL(size: DOUBLE)
					setID
					version
				}
			}
		}`
	var data struct {
		User *struct {
			BroadcastBadges []gqlBadge `json:"broadcastBadges"`
		} `json:"user"`
	}
	payload := map[string]any{"query": query, "variables": map[string]any{"id": channelID}}
	if err := c.post(ctx, payload, &data); err != nil {
		return nil, err
	}
	if data.User == nil {
		return nil, nil
	}
	return groupBadges(data.User.BroadcastBadges), nil
}

func groupBadges(list []gqlBadge) []core.BadgeSet {
	bySet := map[string]map[string]string{}
	order := []string{}
	for _, b := range list {
		if b.SetID == "" || b.Version == "" || b.ImageURL == "" {
			continue
		}
		if bySet[b.SetID] == nil {
			bySet[b.SetID] = map[string]string{}
			order = append(order, b.SetID)
		}
		bySet[b.SetID][b.Version] = b.ImageURL
	}
	out := make([]core.BadgeSet, 0, len(order))
	for _, setID := range order {
		out = append(out, core.BadgeSet{SetID: setID, Versions: bySet[setID]})
	}
	return out
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
