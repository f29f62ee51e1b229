// Package session owns the login state: the persisted access token, the
// identity it resolves to, and the hooks that fire when either changes.
package session

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/you/couchcast/internal/gql"
)

// Identity is the validated login the current token maps to.
type Identity struct {
	UserID string
	Login  string
}

// Watch is the currently selected channel and its live stream, if any.
type Watch struct {
	ChannelLogin string
	ChannelID    string
	StreamID     string
}

// Manager validates tokens against the platform API, persists them, and
// exposes credentials to the chat engine. Safe for concurrent use.
type Manager struct {
	api      *gql.Client
	settings *Settings

	mu       sync.Mutex
	identity Identity
	watch    Watch
	onLogin  func(Identity)
}

func NewManager(api *gql.Client, settings *Settings) *Manager {
	return &Manager{api: api, settings: settings}
}

// OnLogin registers the callback fired after a token validates. Must be set
// before the first SetToken call.
func (m *Manager) OnLogin(fn func(Identity)) {
	m.mu.Lock()
	m.onLogin = fn
	m.mu.Unlock()
}

// Restore loads the persisted token, if any, and validates it.
func (m *Manager) Restore(ctx context.Context) error {
	token, ok, err := m.settings.Get(ctx, KeyAccessToken)
	if err != nil {
		return err
	}
	if !ok || token == "" {
		return nil
	}
	return m.SetToken(ctx, token)
}

// SetToken installs and validates a new access token. An invalid token leaves
// the session logged out and is not persisted.
func (m *Manager) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(strings.TrimPrefix(token, "oauth:"))
	if token == "" {
		return m.Logout(ctx)
	}

	m.api.SetAccessToken(token)
	self, err := m.api.Self(ctx)
	if err != nil {
		m.api.SetAccessToken("")
		return err
	}

	if err := m.settings.Set(ctx, KeyAccessToken, token); err != nil {
		log.Printf("session: persist token: %v", err)
	}

	m.mu.Lock()
	m.identity = Identity{UserID: self.ID, Login: strings.ToLower(self.Login)}
	fn := m.onLogin
	id := m.identity
	m.mu.Unlock()

	log.Printf("session: logged in as %s", id.Login)
	if fn != nil {
		fn(id)
	}
	return nil
}

// Logout clears the token and identity.
func (m *Manager) Logout(ctx context.Context) error {
	m.api.SetAccessToken("")
	m.mu.Lock()
	m.identity = Identity{}
	m.mu.Unlock()
	return m.settings.Delete(ctx, KeyAccessToken)
}

// Identity returns the current login, zero when anonymous.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SetWatch replaces the watch state on channel selection; the zero Watch
// records a deselect.
func (m *Manager) SetWatch(w Watch) {
	m.mu.Lock()
	m.watch = w
	m.mu.Unlock()
}

// Watch returns the current watch state.
func (m *Manager) Watch() Watch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watch
}

// Credentials adapts the session to the chat engine's credential hook.
func (m *Manager) Credentials() (login, token string, ok bool) {
	id := m.Identity()
	token = m.api.AccessToken()
	if id.Login == "" || token == "" {
		return "", "", false
	}
	return id.Login, token, true
}
