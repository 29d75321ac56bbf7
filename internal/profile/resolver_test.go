package profile

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/oauth"
	"github.com/flowdeck/flowdeck/internal/registry"
	"github.com/flowdeck/flowdeck/internal/store"
)

const baseURL = "https://deck.example.com"

func newResolver(t *testing.T) (*Resolver, *oauth.Store) {
	t.Helper()
	db, err := store.Open(store.Options{Driver: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	creds := oauth.NewStore(db)
	return NewResolver(creds, baseURL), creds
}

func snapWith(tools map[string]*registry.ToolDefinition, wfs ...*registry.WorkflowDefinition) *registry.Snapshot {
	snap := &registry.Snapshot{Tools: tools, Workflows: map[string]*registry.WorkflowDefinition{}}
	for _, wf := range wfs {
		snap.Workflows[wf.Name] = wf
	}
	return snap
}

func oauthTool(name, provider string, scopes ...string) *registry.ToolDefinition {
	return &registry.ToolDefinition{
		Name:   name,
		Active: true,
		OAuth:  &registry.OAuthRequirement{Provider: provider, Scopes: scopes},
	}
}

func TestResolveDeclaredProfile(t *testing.T) {
	r, _ := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{
		"slack": {
			Name:           "slack",
			Active:         true,
			OptionalParams: map[string]string{"channel": "#general", "timeout": "30"},
			Profiles: map[string]map[string]string{
				"WORK": {"token": "xoxb-1", "channel": "#ops"},
			},
		},
	})
	wf := &registry.WorkflowDefinition{
		Name:          "alerts",
		ToolsRequired: []string{"slack"},
		ToolProfiles:  map[string]string{"slack": "WORK"},
	}

	bindings, err := r.Resolve(snap, wf, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b := bindings["slack"]
	if b.Mode != ModeProfile || b.Profile != "WORK" {
		t.Errorf("binding = %+v", b)
	}
	if b.Config["token"] != "xoxb-1" {
		t.Errorf("profile token missing: %v", b.Config)
	}
	if b.Config["channel"] != "#ops" {
		t.Errorf("profile must override defaults: %v", b.Config)
	}
	if b.Config["timeout"] != "30" {
		t.Errorf("defaults must survive: %v", b.Config)
	}
}

func TestResolveUnmappedToolUsesDefaultProfile(t *testing.T) {
	r, _ := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{
		"date": {Name: "date", Active: true, OptionalParams: map[string]string{"tz": "UTC"}},
	})
	wf := &registry.WorkflowDefinition{Name: "w", ToolsRequired: []string{"date"}}

	bindings, err := r.Resolve(snap, wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := bindings["date"]
	if b.Profile != registry.DefaultProfile {
		t.Errorf("Profile = %q, want DEFAULT", b.Profile)
	}
	if b.Mode != ModeDirect {
		t.Errorf("Mode = %q, want direct (no DEFAULT profile declared)", b.Mode)
	}
}

func TestResolveInputDerived(t *testing.T) {
	r, _ := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{
		"example": {Name: "example", Active: true},
	})
	wf := &registry.WorkflowDefinition{
		Name:          "sample",
		ToolsRequired: []string{"example"},
		ToolProfiles:  map[string]string{"example": "INPUT_EXAMPLE_KEY"},
		Inputs: []registry.InputField{
			{Name: "example_key", Type: "password", Required: true},
		},
	}

	bindings, err := r.Resolve(snap, wf, map[string]any{"example_key": "sk-42"})
	if err != nil {
		t.Fatal(err)
	}
	b := bindings["example"]
	if b.Mode != ModeInput {
		t.Errorf("Mode = %q", b.Mode)
	}
	if b.Config["example_key"] != "sk-42" {
		t.Errorf("Config = %v", b.Config)
	}

	// Required field absent -> MissingInputError.
	_, err = r.Resolve(snap, wf, map[string]any{})
	var mie *MissingInputError
	if !errors.As(err, &mie) {
		t.Fatalf("err = %v, want MissingInputError", err)
	}
	if mie.Field != "example_key" || mie.Tool != "example" {
		t.Errorf("MissingInputError = %+v", mie)
	}
}

func TestResolveOptionalInputMayBeAbsent(t *testing.T) {
	r, _ := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{"example": {Name: "example", Active: true}})
	wf := &registry.WorkflowDefinition{
		Name:          "sample",
		ToolsRequired: []string{"example"},
		ToolProfiles:  map[string]string{"example": "INPUT_EXTRA"},
		Inputs:        []registry.InputField{{Name: "extra", Required: false}},
	}
	bindings, err := r.Resolve(snap, wf, nil)
	if err != nil {
		t.Fatalf("optional missing input must not fail: %v", err)
	}
	if _, ok := bindings["example"].Config["extra"]; ok {
		t.Error("absent optional input should not appear in config")
	}
}

func TestScopeUnionSatisfiedNeverPromptsAgain(t *testing.T) {
	r, creds := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{
		"calendar": oauthTool("calendar", "google", "calendar.readonly"),
		"youtube":  oauthTool("youtube", "google", "youtube.readonly"),
	})
	wf := &registry.WorkflowDefinition{
		Name:          "digest",
		ToolsRequired: []string{"calendar", "youtube"},
		ToolProfiles:  map[string]string{"calendar": "P", "youtube": "P"},
	}

	// Grant covers the union of both tools' scopes.
	if err := creds.RecordGrant("google", "P", []string{"calendar.readonly", "youtube.readonly"}, time.Time{}); err != nil {
		t.Fatal(err)
	}
	bindings, err := r.Resolve(snap, wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	for name, b := range bindings {
		if b.AuthRequired {
			t.Errorf("tool %s unexpectedly auth_required with full union granted", name)
		}
	}
}

func TestScopeUnionMissingScopeRequiresAuth(t *testing.T) {
	r, creds := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{
		"calendar": oauthTool("calendar", "google", "calendar.readonly"),
		"youtube":  oauthTool("youtube", "google", "youtube.readonly"),
	})
	wf := &registry.WorkflowDefinition{
		Name:          "digest",
		ToolsRequired: []string{"calendar", "youtube"},
		ToolProfiles:  map[string]string{"calendar": "P", "youtube": "P"},
	}

	// Grant lacks youtube.readonly, which is in the union: even the calendar
	// binding reports auth_required because the union is what gets requested.
	if err := creds.RecordGrant("google", "P", []string{"calendar.readonly"}, time.Time{}); err != nil {
		t.Fatal(err)
	}
	bindings, err := r.Resolve(snap, wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := bindings["youtube"]
	if !b.AuthRequired {
		t.Fatal("missing union scope must mark binding auth_required")
	}
	if b.Config != nil {
		t.Error("auth_required binding must carry no usable config")
	}
	if !strings.Contains(b.AuthURL, "/oauth/google/auth?") ||
		!strings.Contains(b.AuthURL, "profile=P") ||
		!strings.Contains(b.AuthURL, "service=youtube") {
		t.Errorf("AuthURL = %q", b.AuthURL)
	}
	if !strings.Contains(b.AuthURL, "calendar.readonly") || !strings.Contains(b.AuthURL, "youtube.readonly") {
		t.Errorf("AuthURL must request the provider scope union: %q", b.AuthURL)
	}
}

func TestDifferentProfilesCheckedIndependently(t *testing.T) {
	r, creds := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{
		"notion": oauthTool("notion", "google", "database_read"),
	})
	wf := &registry.WorkflowDefinition{
		Name:          "sync",
		ToolsRequired: []string{"notion"},
		ToolProfiles:  map[string]string{"notion": "TEST"},
	}

	// Grant exists for DEFAULT but not TEST.
	if err := creds.RecordGrant("google", "DEFAULT", []string{"database_read"}, time.Time{}); err != nil {
		t.Fatal(err)
	}
	bindings, err := r.Resolve(snap, wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := bindings["notion"]
	if !b.AuthRequired {
		t.Error("grant on another profile must not satisfy TEST")
	}
	if b.Profile != "TEST" {
		t.Errorf("Profile = %q, want TEST", b.Profile)
	}
}

func TestResolveUnknownToolFails(t *testing.T) {
	r, _ := newResolver(t)
	snap := snapWith(map[string]*registry.ToolDefinition{})
	wf := &registry.WorkflowDefinition{Name: "w", ToolsRequired: []string{"ghost"}}
	if _, err := r.Resolve(snap, wf, nil); err == nil {
		t.Error("unknown required tool must fail resolution")
	}
}
