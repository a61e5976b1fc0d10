package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"000002_bonus_grants.up.sql", "000002"},
		{"000010_x.down.sql", "000010"},
		{"noversion.sql", "noversion.sql"},
	}
	for _, tt := range tests {
		if got := extractVersion(tt.in); got != tt.want {
			t.Errorf("extractVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestListMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_b.up.sql", "000001_a.up.sql", "000001_a.down.sql", "README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "000003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewMigrator(nil, dir, zerolog.Nop())
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0] != "000001_a.up.sql" || files[1] != "000002_b.up.sql" {
		t.Fatalf("unexpected files %v", files)
	}
}

func TestChecksumDetectsEdits(t *testing.T) {
	a := checksum([]byte("CREATE TABLE t (id INT);"))
	if a != checksum([]byte("CREATE TABLE t (id INT);")) {
		t.Fatal("checksum not stable")
	}
	if a == checksum([]byte("CREATE TABLE t (id BIGINT);")) {
		t.Fatal("checksum did not change with content")
	}
}
