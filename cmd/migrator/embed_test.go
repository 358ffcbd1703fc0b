package main

import (
	"strings"
	"testing"
	"testing/fstest"
)

// validSet returns an in-memory migration set with two complete pairs.
func validSet() fstest.MapFS {
	return fstest.MapFS{
		"001_first.up.sql":    {Data: []byte("CREATE TABLE first (id INT);")},
		"001_first.down.sql":  {Data: []byte("DROP TABLE first;")},
		"002_second.up.sql":   {Data: []byte("CREATE TABLE second (id INT);")},
		"002_second.down.sql": {Data: []byte("DROP TABLE second;")},
	}
}

func TestEmbeddedSetValidates(t *testing.T) {
	// The SQL files compiled into this binary must always form a valid set.
	set := NewMigrationSet(nil)

	if err := set.Validate(); err != nil {
		t.Fatalf("embedded migrations failed validation: %v", err)
	}

	files, err := set.List()
	if err != nil {
		t.Fatalf("failed to list embedded migrations: %v", err)
	}

	if len(files) == 0 {
		t.Fatal("expected embedded migration files")
	}

	if files[0].Filename != "001_genome_fields.down.sql" {
		t.Errorf("unexpected first file: %s", files[0].Filename)
	}
}

func TestListIgnoresNonConformingFiles(t *testing.T) {
	fsys := validSet()
	fsys["README.md"] = &fstest.MapFile{Data: []byte("docs")}
	fsys["notes.sql"] = &fstest.MapFile{Data: []byte("-- stray")}
	fsys["01_short_seq.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}

	files, err := NewMigrationSet(fsys).List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(files) != 4 {
		t.Fatalf("expected 4 conforming files, got %d", len(files))
	}

	for _, file := range files {
		if file.Name != "first" && file.Name != "second" {
			t.Errorf("unexpected file in listing: %s", file.Filename)
		}
	}
}

func TestValidateRejectsEmptySet(t *testing.T) {
	err := NewMigrationSet(fstest.MapFS{}).Validate()
	if err == nil || !strings.Contains(err.Error(), "no migration files") {
		t.Errorf("expected empty-set error, got %v", err)
	}
}

func TestValidateRejectsUnpairedMigrations(t *testing.T) {
	tests := []struct {
		name    string
		remove  string
		wantErr string
	}{
		{
			name:    "missing down",
			remove:  "002_second.down.sql",
			wantErr: "orphaned up migration",
		},
		{
			name:    "missing up",
			remove:  "002_second.up.sql",
			wantErr: "orphaned down migration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := validSet()
			delete(fsys, tt.remove)

			err := NewMigrationSet(fsys).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateRejectsSequenceGap(t *testing.T) {
	fsys := validSet()
	fsys["004_fourth.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	fsys["004_fourth.down.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}

	err := NewMigrationSet(fsys).Validate()
	if err == nil || !strings.Contains(err.Error(), "gap in migration sequence") {
		t.Errorf("expected sequence gap error, got %v", err)
	}
}

func TestValidateRejectsSequenceNotStartingAtOne(t *testing.T) {
	fsys := fstest.MapFS{
		"002_second.up.sql":   {Data: []byte("SELECT 1;")},
		"002_second.down.sql": {Data: []byte("SELECT 1;")},
	}

	err := NewMigrationSet(fsys).Validate()
	if err == nil || !strings.Contains(err.Error(), "start with 001") {
		t.Errorf("expected sequence start error, got %v", err)
	}
}

func TestValidateDetectsModifiedFile(t *testing.T) {
	fsys := validSet()
	set := NewMigrationSet(fsys)

	if err := set.Validate(); err != nil {
		t.Fatalf("first validation failed: %v", err)
	}

	fsys["001_first.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE tampered (id INT);")}

	err := set.Validate()
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename  string
		wantErr   bool
		sequence  int
		name      string
		direction string
	}{
		{filename: "001_genome_fields.up.sql", sequence: 1, name: "genome_fields", direction: "up"},
		{filename: "008_admin_keys.down.sql", sequence: 8, name: "admin_keys", direction: "down"},
		{filename: "1_short.up.sql", wantErr: true},
		{filename: "001_bad-chars.up.sql", wantErr: true},
		{filename: "001_noext.up", wantErr: true},
		{filename: "001_sideways.sideways.sql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			parsed, err := parseMigrationFilename(tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if parsed.Sequence != tt.sequence || parsed.Name != tt.name || parsed.Direction != tt.direction {
				t.Errorf("parsed %+v, want seq=%d name=%s dir=%s",
					parsed, tt.sequence, tt.name, tt.direction)
			}
		})
	}
}

func TestMaxVersion(t *testing.T) {
	if got := NewMigrationSet(validSet()).MaxVersion(); got != 2 {
		t.Errorf("MaxVersion() = %d, want 2", got)
	}

	if got := NewMigrationSet(fstest.MapFS{}).MaxVersion(); got != 0 {
		t.Errorf("MaxVersion() on empty set = %d, want 0", got)
	}
}
