package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeIdentifier(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want string
	}{
		{"Habit Hero", "habit_hero"},
		{"  Habit   Hero!  ", "habit_hero"},
		{"my-cool.app", "my_cool_app"},
		{"UPPER_case_9", "upper_case_9"},
		{"9lives", "app_9lives"},
		{"___", "app_20260829120000"},
		{"", "app_20260829120000"},
		{"日本語タイトル", "app_20260829120000"},
	}
	for _, tc := range cases {
		if got := SanitizeIdentifier(tc.in, now); got != tc.want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeIdentifierLength(t *testing.T) {
	got := SanitizeIdentifier(strings.Repeat("a", 100), time.Now())
	if len(got) > 40 {
		t.Fatalf("len = %d, want <= 40", len(got))
	}
	if got != strings.Repeat("a", 40) {
		t.Fatalf("got %q", got)
	}
}

func TestProvisionSkipsExistingDir(t *testing.T) {
	base := t.TempDir()
	s := NewScaffolder(base)
	// A failing command proves the scaffold step never ran.
	s.Command = []string{"false"}
	if err := os.MkdirAll(filepath.Join(base, "habit_hero"), 0o755); err != nil {
		t.Fatal(err)
	}
	dir, err := s.Provision(context.Background(), "habit_hero")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if dir != filepath.Join(base, "habit_hero") {
		t.Fatalf("dir = %s", dir)
	}
	if !s.Exists("habit_hero") {
		t.Fatal("Exists = false for present dir")
	}
}

func TestWriteDesignDocAndRemove(t *testing.T) {
	base := t.TempDir()
	s := NewScaffolder(base)
	if err := os.MkdirAll(s.Dir("habit_hero"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteDesignDoc("habit_hero", "# Design"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir("habit_hero"), "DESIGN_DOC.md"))
	if err != nil || string(data) != "# Design" {
		t.Fatalf("read back: %q, %v", data, err)
	}

	if err := s.Remove("habit_hero"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Exists("habit_hero") {
		t.Fatal("dir still present after remove")
	}
}

func TestRemoveRefusesPathTraversal(t *testing.T) {
	s := NewScaffolder(t.TempDir())
	if err := s.Remove("../outside"); err == nil {
		t.Fatal("expected refusal for separator in name")
	}
	if err := s.Remove(""); err == nil {
		t.Fatal("expected refusal for empty name")
	}
}

func TestWriteDesignDocRequiresDir(t *testing.T) {
	s := NewScaffolder(t.TempDir())
	if err := s.WriteDesignDoc("missing", "x"); err == nil {
		t.Fatal("expected error for missing project dir")
	}
}
