// Package session keeps short-lived, username-only web sessions. No
// credential material is ever stored in a session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mordilloSan/go-logger/logger"
)

type DeleteReason string

const (
	ReasonLogout          DeleteReason = "logout"
	ReasonGCIdle          DeleteReason = "gc_idle"
	ReasonGCAbsolute      DeleteReason = "gc_absolute"
	ReasonPasswordChanged DeleteReason = "password_changed"
	ReasonServerQuit      DeleteReason = "server_quit"
)

// ErrNotFound is returned for unknown or already deleted session ids.
var ErrNotFound = errors.New("session not found")

type SessionConfig struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	RefreshThrottle time.Duration
	GCInterval      time.Duration
	Cookie          CookieConfig
}

type CookieConfig struct {
	Name     string
	Path     string
	SameSite http.SameSite
	Secure   bool
	HTTPOnly bool
}

var DefaultConfig = SessionConfig{
	IdleTimeout:     10 * time.Minute,
	AbsoluteTimeout: time.Hour,
	RefreshThrottle: 30 * time.Second,
	GCInterval:      30 * time.Second,
	Cookie: CookieConfig{
		Name:     "truenas_passwd_session",
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Secure:   true,
		HTTPOnly: true,
	},
}

type Timing struct {
	CreatedAt     time.Time `json:"created_at"`
	LastAccess    time.Time `json:"last_access"`
	LastRefresh   time.Time `json:"last_refresh"`
	IdleUntil     time.Time `json:"idle_until"`
	AbsoluteUntil time.Time `json:"absolute_until"`
}

// Session records who proved their password, and when.
type Session struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
	Timing    Timing `json:"timing"`
}

type Store interface {
	Find(string) ([]byte, bool, error)
	Commit(string, []byte, time.Time) error
	Delete(string) error
	All() (map[string][]byte, error)
}

type Manager struct {
	cfg SessionConfig
	st  Store

	onDeleteMu sync.RWMutex
	onDelete   []func(*Session, DeleteReason)

	gcStop chan struct{}
	once   sync.Once
}

func NewManager(store Store, cfg SessionConfig) *Manager {
	m := &Manager{st: store, cfg: cfg}
	if m.cfg.IdleTimeout == 0 {
		m.cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if m.cfg.AbsoluteTimeout == 0 {
		m.cfg.AbsoluteTimeout = DefaultConfig.AbsoluteTimeout
	}
	if m.cfg.Cookie.Name == "" {
		m.cfg.Cookie = DefaultConfig.Cookie
	}

	logger.Debugf("[session] idle=%v absolute=%v refresh=%v gc=%v",
		m.cfg.IdleTimeout, m.cfg.AbsoluteTimeout, m.cfg.RefreshThrottle, m.cfg.GCInterval)

	if m.cfg.GCInterval > 0 {
		m.gcStop = make(chan struct{})
		go m.gcLoop()
	}
	return m
}

// Close stops the idle sweeper. It is safe to call more than once.
func (m *Manager) Close() {
	m.once.Do(func() {
		if m.gcStop != nil {
			close(m.gcStop)
		}
	})
}

func (m *Manager) CookieName() string { return m.cfg.Cookie.Name }

func (m *Manager) Config() SessionConfig { return m.cfg }

func (m *Manager) RegisterOnDelete(fn func(*Session, DeleteReason)) {
	m.onDeleteMu.Lock()
	m.onDelete = append(m.onDelete, fn)
	m.onDeleteMu.Unlock()
}

func (m *Manager) broadcastOnDelete(s *Session, r DeleteReason) {
	m.onDeleteMu.RLock()
	subs := append([]func(*Session, DeleteReason){}, m.onDelete...)
	m.onDeleteMu.RUnlock()
	for _, f := range subs {
		func() {
			defer func() { _ = recover() }()
			f(s, r)
		}()
	}
}

func randID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func expiredIdle(s *Session, now time.Time) bool     { return now.After(s.Timing.IdleUntil) }
func expiredAbsolute(s *Session, now time.Time) bool { return now.After(s.Timing.AbsoluteUntil) }

func decode(b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *Manager) commit(s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.st.Commit(s.SessionID, b, s.Timing.AbsoluteUntil)
}

// CreateSession starts a session for a user whose password was just verified.
func (m *Manager) CreateSession(username string) (*Session, error) {
	id, err := randID(32)
	if err != nil {
		return nil, fmt.Errorf("rand id: %w", err)
	}
	now := time.Now()
	abs := now.Add(m.cfg.AbsoluteTimeout)
	idle := now.Add(m.cfg.IdleTimeout)
	if idle.After(abs) {
		idle = abs
	}

	s := &Session{
		SessionID: id,
		Username:  username,
		Timing: Timing{
			CreatedAt:     now,
			LastAccess:    now,
			LastRefresh:   now,
			IdleUntil:     idle,
			AbsoluteUntil: abs,
		},
	}
	if err := m.commit(s); err != nil {
		return nil, err
	}
	logger.InfoKV("session created", "user", username)
	return s, nil
}

func (m *Manager) GetSession(id string) (*Session, error) {
	b, ok, err := m.st.Find(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return decode(b)
}

// DeleteSession removes id. Unknown ids are not an error.
func (m *Manager) DeleteSession(id string, r DeleteReason) error {
	b, ok, err := m.st.Find(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := m.st.Delete(id); err != nil {
		return err
	}
	if s, err := decode(b); err == nil {
		logger.InfoKV("session deleted", "user", s.Username, "reason", string(r))
		m.broadcastOnDelete(s, r)
	}
	return nil
}

// DeleteUserSessions removes every session of username.
func (m *Manager) DeleteUserSessions(username string, r DeleteReason) (int, error) {
	all, err := m.st.All()
	if err != nil {
		return 0, err
	}
	n := 0
	for id, b := range all {
		s, err := decode(b)
		if err != nil || s.Username != username {
			continue
		}
		if err := m.DeleteSession(id, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Refresh extends the idle deadline, at most once per RefreshThrottle.
func (m *Manager) Refresh(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	now := time.Now()
	s.Timing.LastAccess = now
	if now.Sub(s.Timing.LastRefresh) >= m.cfg.RefreshThrottle {
		s.Timing.LastRefresh = now
		idle := now.Add(m.cfg.IdleTimeout)
		if idle.After(s.Timing.AbsoluteUntil) {
			idle = s.Timing.AbsoluteUntil
		}
		s.Timing.IdleUntil = idle
	}
	return m.commit(s)
}

func (m *Manager) WriteCookie(w http.ResponseWriter, sessionID string) {
	c := &http.Cookie{
		Name:     m.cfg.Cookie.Name,
		Value:    sessionID,
		Path:     m.cfg.Cookie.Path,
		SameSite: m.cfg.Cookie.SameSite,
		Secure:   m.cfg.Cookie.Secure,
		HttpOnly: m.cfg.Cookie.HTTPOnly,
	}
	if sessionID == "" {
		c.Expires = time.Unix(1, 0)
		c.MaxAge = -1
	} else {
		c.MaxAge = int(m.cfg.AbsoluteTimeout.Seconds())
	}
	w.Header().Add("Set-Cookie", c.String())
	w.Header().Add("Cache-Control", `no-cache="Set-Cookie"`)
}

func (m *Manager) DeleteCookie(w http.ResponseWriter) { m.WriteCookie(w, "") }

// ValidateFromRequest returns the live session named by the request cookie.
func (m *Manager) ValidateFromRequest(r *http.Request) (*Session, error) {
	ck, err := r.Cookie(m.cfg.Cookie.Name)
	if err != nil || ck.Value == "" {
		return nil, fmt.Errorf("missing or invalid %s", m.cfg.Cookie.Name)
	}
	s, err := m.GetSession(ck.Value)
	if err != nil {
		logger.Debugf("[session] unknown session cookie presented")
		return nil, err
	}
	now := time.Now()
	if expiredAbsolute(s, now) {
		_ = m.DeleteSession(s.SessionID, ReasonGCAbsolute)
		return nil, errors.New("session expired")
	}
	if expiredIdle(s, now) {
		_ = m.DeleteSession(s.SessionID, ReasonGCIdle)
		return nil, errors.New("session expired")
	}
	_ = m.Refresh(s.SessionID)
	return s, nil
}

type ctxKeyType string

const ctxKey ctxKeyType = "session"

// RequireSession rejects requests without a valid session cookie and
// stores the session in the request context.
func (m *Manager) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.ValidateFromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey, s)
}

func SessionFromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(ctxKey).(*Session); ok {
		return s
	}
	return nil
}

func (m *Manager) gcLoop() {
	t := time.NewTicker(m.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep(time.Now())
		case <-m.gcStop:
			return
		}
	}
}

func (m *Manager) sweep(now time.Time) int {
	all, err := m.st.All()
	if err != nil {
		return 0
	}
	collected := 0
	for id, b := range all {
		s, err := decode(b)
		if err != nil {
			continue
		}
		if expiredIdle(s, now) {
			_ = m.st.Delete(id)
			m.broadcastOnDelete(s, ReasonGCIdle)
			collected++
		}
	}
	if collected > 0 {
		logger.Infof("[session] collected %d idle session(s)", collected)
	}
	return collected
}

// ActiveSessions returns sessions that are neither idle nor absolute expired.
func (m *Manager) ActiveSessions() ([]*Session, error) {
	all, err := m.st.All()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*Session, 0, len(all))
	for _, b := range all {
		s, err := decode(b)
		if err != nil {
			continue
		}
		if expiredAbsolute(s, now) || expiredIdle(s, now) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
