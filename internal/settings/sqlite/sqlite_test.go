package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.Get(ctx, "openai.api_key"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "openai.api_key", "sk-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "openai.api_key")
	if err != nil || !ok || v != "sk-1" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}

	// Upsert overwrites.
	if err := s.Set(ctx, "openai.api_key", "sk-2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _, _ := s.Get(ctx, "openai.api_key"); v != "sk-2" {
		t.Fatalf("after upsert: %q", v)
	}
}

func TestCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "settings.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s.Close()
}
