package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st := NewWithCleanupInterval(0)
	cfg := SessionConfig{
		IdleTimeout:     50 * time.Millisecond,
		AbsoluteTimeout: 500 * time.Millisecond,
		RefreshThrottle: 0,
		GCInterval:      0,
		Cookie: CookieConfig{
			Name:     "sid",
			Path:     "/",
			Secure:   false,
			HTTPOnly: true,
		},
	}
	m := NewManager(st, cfg)
	t.Cleanup(m.Close)
	return m
}

func requestWithCookie(m *Manager, id string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: m.CookieName(), Value: id})
	return req
}

func TestManager_CreateGetDelete(t *testing.T) {
	m := newTestManager(t)

	s, err := m.CreateSession("alice")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if len(s.SessionID) != 64 {
		t.Fatalf("SessionID should be 64 hex chars, got %q", s.SessionID)
	}
	if s.Timing.IdleUntil.After(s.Timing.AbsoluteUntil) {
		t.Fatalf("IdleUntil should not be after AbsoluteUntil")
	}

	got, err := m.GetSession(s.SessionID)
	if err != nil || got.Username != "alice" {
		t.Fatalf("GetSession mismatch got=%+v err=%v", got, err)
	}

	var deleted []DeleteReason
	m.RegisterOnDelete(func(_ *Session, r DeleteReason) { deleted = append(deleted, r) })

	if err := m.DeleteSession(s.SessionID, ReasonLogout); err != nil {
		t.Fatalf("DeleteSession error: %v", err)
	}
	if _, err := m.GetSession(s.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession after delete: want ErrNotFound, got %v", err)
	}
	if len(deleted) != 1 || deleted[0] != ReasonLogout {
		t.Fatalf("OnDelete hooks got %v", deleted)
	}
	// deleting twice is fine
	if err := m.DeleteSession(s.SessionID, ReasonLogout); err != nil {
		t.Fatalf("second DeleteSession error: %v", err)
	}
}

func TestManager_StoresNoSecrets(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	raw, ok, _ := m.st.Find(s.SessionID)
	if !ok {
		t.Fatalf("session not committed")
	}
	for _, field := range []string{"password", "otp", "token", "hash"} {
		if strings.Contains(strings.ToLower(string(raw)), `"`+field) {
			t.Fatalf("stored session carries a %q field: %s", field, raw)
		}
	}
}

func TestManager_DeleteUserSessions(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.CreateSession("alice"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	bob, _ := m.CreateSession("bob")

	n, err := m.DeleteUserSessions("alice", ReasonPasswordChanged)
	if err != nil || n != 3 {
		t.Fatalf("DeleteUserSessions n=%d err=%v", n, err)
	}
	if _, err := m.GetSession(bob.SessionID); err != nil {
		t.Fatalf("bob's session should survive: %v", err)
	}
}

func TestManager_RefreshUpdatesIdle(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("bob")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	before := s.Timing.IdleUntil
	if err := m.Refresh(s.SessionID); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	s2, _ := m.GetSession(s.SessionID)
	if s2.Timing.IdleUntil.Before(before) {
		t.Fatalf("IdleUntil moved backwards")
	}
}

func TestManager_WriteAndValidateCookie(t *testing.T) {
	m := newTestManager(t)
	s, err := m.CreateSession("carl")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rr := httptest.NewRecorder()
	m.WriteCookie(rr, s.SessionID)
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != s.SessionID || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies %+v", cookies)
	}

	if _, err := m.ValidateFromRequest(requestWithCookie(m, s.SessionID)); err != nil {
		t.Fatalf("ValidateFromRequest unexpected error: %v", err)
	}

	rr = httptest.NewRecorder()
	m.DeleteCookie(rr)
	cookies = rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("DeleteCookie should expire the cookie, got %+v", cookies)
	}
}

func TestManager_ValidateIdleExpiry(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.CreateSession("dora")

	time.Sleep(80 * time.Millisecond)
	if _, err := m.ValidateFromRequest(requestWithCookie(m, s.SessionID)); err == nil {
		t.Fatalf("idle-expired session should be rejected")
	}
	if _, err := m.GetSession(s.SessionID); err == nil {
		t.Fatalf("idle-expired session should be deleted")
	}
}

func TestManager_ValidateMissingCookie(t *testing.T) {
	m := newTestManager(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := m.ValidateFromRequest(req); err == nil {
		t.Fatalf("expected error without cookie")
	}
	if _, err := m.ValidateFromRequest(requestWithCookie(m, "nope")); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestManager_RequireSession(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.CreateSession("erin")

	var seen *Session
	h := m.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no cookie: want 401, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, requestWithCookie(m, s.SessionID))
	if rr.Code != http.StatusNoContent || seen == nil || seen.Username != "erin" {
		t.Fatalf("with cookie: code=%d session=%+v", rr.Code, seen)
	}
}

func TestManager_Sweep(t *testing.T) {
	m := newTestManager(t)
	_, _ = m.CreateSession("frank")
	gina, _ := m.CreateSession("gina")

	if n := m.sweep(time.Now().Add(60 * time.Millisecond)); n != 2 {
		t.Fatalf("sweep in the future should collect both, got %d", n)
	}
	if _, err := m.GetSession(gina.SessionID); err == nil {
		t.Fatalf("swept session still present")
	}
}

func TestManager_ActiveSessions(t *testing.T) {
	m := newTestManager(t)
	_, _ = m.CreateSession("hank")
	_, _ = m.CreateSession("ivy")

	active, err := m.ActiveSessions()
	if err != nil || len(active) != 2 {
		t.Fatalf("ActiveSessions len=%d err=%v", len(active), err)
	}
}
