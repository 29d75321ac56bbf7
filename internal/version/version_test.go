package version

import (
	"strings"
	"testing"
)

func TestGetReturnsDefaults(t *testing.T) {
	info := Get()
	if info.Version != "dev" {
		t.Errorf("expected Version=dev, got %s", info.Version)
	}
	if info.Commit != "none" {
		t.Errorf("expected Commit=none, got %s", info.Commit)
	}
	if info.Date != "unknown" {
		t.Errorf("expected Date=unknown, got %s", info.Date)
	}
}

func TestInfoStringContainsAllFields(t *testing.T) {
	info := Info{Version: "v1.2.0", Commit: "abc1234", Date: "2026-08-01T00:00:00Z"}
	s := info.String()
	for _, field := range []string{"v1.2.0", "abc1234", "2026-08-01T00:00:00Z"} {
		if !strings.Contains(s, field) {
			t.Errorf("String() output %q missing field %q", s, field)
		}
	}
}
