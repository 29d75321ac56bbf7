package oauth

import (
	"strings"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(store.Options{Driver: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStatusUnknownPairIsUnauthenticated(t *testing.T) {
	s := newTestStore(t)
	state, err := s.Status("google", "DEFAULT")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state.Authenticated {
		t.Error("unknown pair must not be authenticated")
	}
	if state.HasScopes([]string{"calendar.readonly"}) {
		t.Error("unauthenticated state cannot satisfy scopes")
	}
}

func TestRecordGrantAndStatus(t *testing.T) {
	s := newTestStore(t)
	expiry := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	err := s.RecordGrant("google", "TEST", []string{"calendar.readonly", "youtube.readonly"}, expiry)
	if err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}

	state, err := s.Status("google", "TEST")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !state.Authenticated {
		t.Error("granted pair must be authenticated")
	}
	if !state.Expiry.Equal(expiry) {
		t.Errorf("Expiry = %v, want %v", state.Expiry, expiry)
	}
	if !state.HasScopes([]string{"calendar.readonly"}) {
		t.Error("subset of granted scopes must be satisfied")
	}
	if state.HasScopes([]string{"calendar.readonly", "database_read"}) {
		t.Error("missing scope must not be satisfied")
	}
}

func TestRecordGrantReplacesScopes(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordGrant("google", "WORK", []string{"a", "b"}, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordGrant("google", "WORK", []string{"b"}, time.Time{}); err != nil {
		t.Fatal(err)
	}
	state, err := s.Status("google", "WORK")
	if err != nil {
		t.Fatal(err)
	}
	if state.HasScopes([]string{"a"}) {
		t.Error("re-grant must replace, not accumulate, scopes")
	}
	if !state.HasScopes([]string{"b"}) {
		t.Error("re-granted scope lost")
	}
}

func TestRevoke(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordGrant("notion", "DEFAULT", []string{"database_read"}, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke("notion", "DEFAULT"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	state, err := s.Status("notion", "DEFAULT")
	if err != nil {
		t.Fatal(err)
	}
	if state.Authenticated {
		t.Error("revoked pair must not stay authenticated")
	}
}

func TestAuthURL(t *testing.T) {
	u := AuthURL("https://deck.example.com/", "google", "notion", "TEST", []string{"database_read", "calendar.readonly"})
	if !strings.HasPrefix(u, "https://deck.example.com/oauth/google/auth?") {
		t.Errorf("unexpected prefix: %s", u)
	}
	for _, frag := range []string{"profile=TEST", "service=notion", "scopes=calendar.readonly+database_read"} {
		if !strings.Contains(u, frag) {
			t.Errorf("AuthURL missing %q: %s", frag, u)
		}
	}
}
