package core

import "time"

// ChatEvent is one parsed chat message, immutable once constructed.
type ChatEvent struct {
	ID      string      `json:"id"`
	Channel string      `json:"channel"`
	User    string      `json:"user"`
	Color   string      `json:"color,omitempty"`
	Badges  []BadgeRef  `json:"badges,omitempty"`
	Tokens  []BodyToken `json:"tokens"`
	Text    string      `json:"text"`
	Ts      time.Time   `json:"ts"`
}

// BodyToken is a literal word or an emote placeholder inside a message body.
// EmoteID is set when the platform marked the token as an emote; otherwise the
// renderer matches Text against the merged emote lookup.
type BodyToken struct {
	Text    string `json:"text"`
	EmoteID string `json:"emoteId,omitempty"`
}

// BadgeRef identifies one badge entitlement carried on a message.
type BadgeRef struct {
	SetID   string `json:"setId"`
	Version string `json:"version"`
}

// Badge is a resolved badge image.
type Badge struct {
	SetID   string `json:"setId"`
	Version string `json:"version"`
	URL     string `json:"url"`
}

// BadgeSet groups the versions published for one badge set.
type BadgeSet struct {
	SetID    string
	Versions map[string]string // version id -> image URL
}

// Emote maps a display token to an image.
type Emote struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ConnState is the chat session connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
