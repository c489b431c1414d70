// Package session provides cookie sessions with flash messages and CSRF tokens.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Flash kinds.
const (
	FlashSuccess = "success"
	FlashError   = "error"
	FlashInfo    = "info"
)

// FlashMessage is a one-time notification shown on the next rendered page.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Manager loads and commits sessions identified by a cookie.
type Manager struct {
	store      Store
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Session holds per-request session data.
type Session struct {
	ID        string
	values    map[string]string
	flashes   []FlashMessage
	isNew     bool
	dirty     bool
	destroyed bool
}

type payload struct {
	Values  map[string]string `json:"values"`
	Flashes []FlashMessage    `json:"flashes"`
}

func NewManager(store Store, cookieName string, ttl time.Duration, secure bool) *Manager {
	return &Manager{store: store, cookieName: cookieName, ttl: ttl, secure: secure}
}

// Load returns the session named by the request cookie, or a fresh one.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return m.newSession(), nil
		}
		return nil, err
	}

	data, err := m.store.Get(ctx, cookie.Value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return m.newSession(), nil
		}
		return nil, err
	}
	var stored payload
	if err := json.Unmarshal(data, &stored); err != nil {
		return m.newSession(), nil
	}
	sess := &Session{ID: cookie.Value, values: stored.Values, flashes: stored.Flashes}
	if sess.values == nil {
		sess.values = make(map[string]string)
	}
	return sess, nil
}

// Commit persists the session, refreshing its lifetime, and writes the cookie.
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.destroyed {
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     m.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}

	data, err := json.Marshal(payload{Values: sess.values, Flashes: sess.flashes})
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, sess.ID, data, m.ttl); err != nil {
		return err
	}
	sess.dirty = false
	sess.isNew = false

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(m.ttl),
	})
	return nil
}

// Destroy marks the session for deletion on commit.
func (m *Manager) Destroy(sess *Session) {
	if sess != nil {
		sess.destroyed = true
	}
}

// Renew gives the session a new id, keeping its data. Used after login.
func (m *Manager) Renew(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	if !sess.isNew {
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			return err
		}
	}
	sess.ID = uuid.NewString()
	sess.dirty = true
	return nil
}

func (m *Manager) CookieName() string {
	return m.cookieName
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) newSession() *Session {
	return &Session{
		ID:     uuid.NewString(),
		values: make(map[string]string),
		isNew:  true,
		dirty:  true,
	}
}

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if s.values == nil {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// AddFlash queues a flash message.
func (s *Session) AddFlash(kind, message string) {
	s.flashes = append(s.flashes, FlashMessage{Kind: kind, Message: message})
	s.dirty = true
}

// PopFlashes returns and clears every queued flash.
func (s *Session) PopFlashes() []FlashMessage {
	if len(s.flashes) == 0 {
		return nil
	}
	out := s.flashes
	s.flashes = nil
	s.dirty = true
	return out
}
