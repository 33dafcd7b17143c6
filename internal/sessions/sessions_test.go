package sessions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	m := Load(filepath.Join(t.TempDir(), "sessions.json"))
	if got := m.Get("main"); got != "" {
		t.Errorf("Get on empty manager = %q", got)
	}
}

func TestSetGetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m := Load(path)
	m.Set("main", "s-1")
	m.Set("family", "s-2")
	m.Set("family", "") // empty IDs are ignored

	if m.Get("family") != "s-2" {
		t.Errorf("Get(family) = %q", m.Get("family"))
	}

	// A fresh load sees what was saved.
	again := Load(path)
	if again.Get("main") != "s-1" || again.Get("family") != "s-2" {
		t.Errorf("reload lost state: main=%q family=%q", again.Get("main"), again.Get("family"))
	}
}

func TestForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m := Load(path)
	m.Set("main", "s-1")
	m.Forget("main")
	if m.Get("main") != "" {
		t.Error("Forget did not remove the session")
	}
	if Load(path).Get("main") != "" {
		t.Error("Forget was not persisted")
	}
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := Load(path)
	if got := m.Get("main"); got != "" {
		t.Errorf("corrupt file should yield empty map, got %q", got)
	}
}
