// Package oauth is the source of truth for "is (provider, profile)
// authenticated, and with which scopes". It is written by the OAuth callback
// handler and read by the profile resolver; the scheduler and executor never
// touch it directly. Token refresh is the owning tool's problem.
package oauth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/flowdeck/flowdeck/internal/store"
)

// CredentialState is the persisted authentication state for one
// (provider, profile) pair.
type CredentialState struct {
	Provider      string    `json:"provider"`
	Profile       string    `json:"profile"`
	Authenticated bool      `json:"authenticated"`
	Scopes        []string  `json:"granted_scopes"`
	Expiry        time.Time `json:"expiry,omitzero"`
}

// HasScopes reports whether the granted set is a superset of required.
func (c CredentialState) HasScopes(required []string) bool {
	if !c.Authenticated {
		return false
	}
	granted := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = true
	}
	for _, s := range required {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Store persists credential state per (provider, profile).
type Store struct {
	db *store.DB
}

func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Status returns the state for (provider, profile). An unknown pair yields an
// unauthenticated zero state, not an error.
func (s *Store) Status(provider, profile string) (CredentialState, error) {
	state := CredentialState{Provider: provider, Profile: profile}
	var authenticated int
	var scopesJSON string
	var expiry sql.NullString
	err := s.db.SQLDB().QueryRow(s.db.Rebind(
		`SELECT authenticated, scopes, expiry FROM oauth_credentials WHERE provider = ? AND profile = ?`),
		provider, profile).Scan(&authenticated, &scopesJSON, &expiry)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("oauth status %s/%s: %w", provider, profile, err)
	}
	state.Authenticated = authenticated != 0
	if err := json.Unmarshal([]byte(scopesJSON), &state.Scopes); err != nil {
		return state, fmt.Errorf("oauth status %s/%s: scopes: %w", provider, profile, err)
	}
	if expiry.Valid && expiry.String != "" {
		t, err := time.Parse(time.RFC3339, expiry.String)
		if err == nil {
			state.Expiry = t
		}
	}
	return state, nil
}

// RecordGrant stores the outcome of a successful authorization flow. Scopes
// replace the previous grant wholesale; callers pass the full granted set.
func (s *Store) RecordGrant(provider, profile string, scopes []string, expiry time.Time) error {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	scopesJSON, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("oauth grant %s/%s: %w", provider, profile, err)
	}
	var expiryStr any
	if !expiry.IsZero() {
		expiryStr = expiry.UTC().Format(time.RFC3339)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.SQLDB().Exec(s.db.Rebind(
		`INSERT INTO oauth_credentials (provider, profile, authenticated, scopes, expiry, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT (provider, profile) DO UPDATE SET
		   authenticated = excluded.authenticated,
		   scopes = excluded.scopes,
		   expiry = excluded.expiry,
		   updated_at = excluded.updated_at`),
		provider, profile, string(scopesJSON), expiryStr, now)
	if err != nil {
		return fmt.Errorf("oauth grant %s/%s: %w", provider, profile, err)
	}
	return nil
}

// Revoke drops the grant for (provider, profile).
func (s *Store) Revoke(provider, profile string) error {
	_, err := s.db.SQLDB().Exec(s.db.Rebind(
		`DELETE FROM oauth_credentials WHERE provider = ? AND profile = ?`), provider, profile)
	if err != nil {
		return fmt.Errorf("oauth revoke %s/%s: %w", provider, profile, err)
	}
	return nil
}

// AuthURL builds the ready-to-open authorization URL surfaced in
// auth_required results: <base>/oauth/<provider>/auth with the requesting
// service, profile and space-joined scopes as query parameters.
func AuthURL(baseURL, provider, service, profile string, scopes []string) string {
	q := url.Values{}
	q.Set("service", service)
	q.Set("profile", profile)
	if len(scopes) > 0 {
		sorted := append([]string(nil), scopes...)
		sort.Strings(sorted)
		q.Set("scopes", strings.Join(sorted, " "))
	}
	return fmt.Sprintf("%s/oauth/%s/auth?%s", strings.TrimRight(baseURL, "/"), provider, q.Encode())
}
