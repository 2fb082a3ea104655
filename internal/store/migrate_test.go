package store

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrateRejectsBadInput(t *testing.T) {
	if err := Migrate("", "up"); err == nil || !strings.Contains(err.Error(), "QUORUM_DATABASE_URL") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
	for _, dir := range []string{"", "UP", "sideways"} {
		if err := Migrate("postgres://localhost/quorum", dir); err == nil || !strings.Contains(err.Error(), "direction") {
			t.Fatalf("direction %q: expected direction error, got %v", dir, err)
		}
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Fatalf("migration %s has no down file", v)
		}
	}
}
