package main

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filenames follow 001_name.up.sql / 001_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// MigrationSet wraps a filesystem of migration files and validates the
	// whole set before any of it is handed to the migration engine. The first
	// successful validation records per-file checksums; later validations
	// fail if a file changed underneath the runner.
	MigrationSet struct {
		fs        fs.FS
		checksums map[string]string
	}

	// MigrationFile is one parsed migration filename.
	MigrationFile struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewMigrationSet wraps a migration filesystem. Pass nil to use the SQL files
// embedded in this binary.
func NewMigrationSet(filesystem fs.FS) *MigrationSet {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &MigrationSet{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the underlying filesystem for the migration engine's source
// driver.
func (s *MigrationSet) FS() fs.FS {
	return s.fs
}

// List returns the parsed migration files in lexicographic filename order.
// Files that do not match the naming standard are ignored so stray files
// cannot change migration behavior.
func (s *MigrationSet) List() ([]MigrationFile, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []MigrationFile

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}

		parsed, err := parseMigrationFilename(entry.Name())
		if err != nil {
			continue
		}

		files = append(files, *parsed)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Filename < files[j].Filename
	})

	return files, nil
}

// Content returns the raw bytes of one migration file.
func (s *MigrationSet) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// Validate checks the whole migration set: at least one file, every up has a
// down, sequence numbers start at 001 with no gaps, and file contents match
// the checksums recorded on the first validation.
func (s *MigrationSet) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no migration files found")
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	if err := validateSequence(files); err != nil {
		return err
	}

	for _, file := range files {
		content, err := s.Content(file.Filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file.Filename, err)
		}

		sum := fmt.Sprintf("%x", sha256.Sum256(content))

		if recorded, ok := s.checksums[file.Filename]; ok && recorded != sum {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file.Filename)
		}

		s.checksums[file.Filename] = sum
	}

	return nil
}

// MaxVersion returns the highest sequence number in the set, or zero when the
// set is empty or unreadable.
func (s *MigrationSet) MaxVersion() int {
	files, err := s.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, file := range files {
		if file.Sequence > maxSequence {
			maxSequence = file.Sequence
		}
	}

	return maxSequence
}

func parseMigrationFilename(filename string) (*MigrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename: %s (expected 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &MigrationFile{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a matching down migration
// and vice versa.
func validatePairing(files []MigrationFile) error {
	directions := make(map[string]map[string]bool)

	for _, file := range files {
		key := fmt.Sprintf("%03d_%s", file.Sequence, file.Name)

		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][file.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !seen["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures migrations start at 001 and have no gaps.
func validateSequence(files []MigrationFile) error {
	seen := make(map[int]bool)

	for _, file := range files {
		seen[file.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for sequence := range seen {
		sequences = append(sequences, sequence)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				sequences[i-1]+1, sequences[i],
			)
		}
	}

	return nil
}
