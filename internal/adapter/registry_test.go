package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/uplinkd/uplink/pkg/protocol"
)

type fakeAdapter struct {
	id string
}

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{AgentName: f.id}
}
func (f *fakeAdapter) IsInstalled(ctx context.Context) bool { return true }
func (f *fakeAdapter) Version(ctx context.Context) string   { return "1.0.0" }
func (f *fakeAdapter) DataPaths() DataPaths                 { return DataPaths{} }
func (f *fakeAdapter) DiscoverSessions(ctx context.Context) ([]protocol.Session, error) {
	return nil, nil
}
func (f *fakeAdapter) WatchSessions(cb DiscoveryHandler) (func(), error) {
	return func() {}, nil
}
func (f *fakeAdapter) AttachToSession(ctx context.Context, sessionID string) (Session, error) {
	return nil, ErrSessionNotFound
}
func (f *fakeAdapter) StartSession(ctx context.Context, opts StartOptions) (Session, error) {
	return nil, ErrNotRunning
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{id: "claude"})

	a, ok := r.Get("claude")
	if !ok {
		t.Fatal("expected adapter to be found")
	}
	if a.ID() != "claude" {
		t.Errorf("ID = %q, want claude", a.ID())
	}

	if _, ok := r.Get("codex"); ok {
		t.Error("expected unknown agent to be absent")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{id: "zeta"})
	r.Register(&fakeAdapter{id: "alpha"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d adapters, want 2", len(list))
	}
	if list[0].ID() != "alpha" || list[1].ID() != "zeta" {
		t.Errorf("List not sorted: %s, %s", list[0].ID(), list[1].ID())
	}
}

func TestRegistry_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	content := `agents:
  claude:
    disabled: true
  codex:
    binary: /opt/codex/bin/codex
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	r.Register(&fakeAdapter{id: "claude"})
	r.Register(&fakeAdapter{id: "codex"})

	if _, ok := r.Get("claude"); ok {
		t.Error("disabled agent should not be returned")
	}
	if len(r.List()) != 1 {
		t.Errorf("List should skip disabled agents, got %d", len(r.List()))
	}
	if got := r.BinaryOverride("codex"); got != "/opt/codex/bin/codex" {
		t.Errorf("BinaryOverride = %q", got)
	}
}

func TestRegistry_LoadFileMissing(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Errorf("missing registry file should not error: %v", err)
	}
}

func TestRegistry_LoadFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte("agents: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadFile(path); err == nil {
		t.Error("malformed registry file should error")
	}
}
