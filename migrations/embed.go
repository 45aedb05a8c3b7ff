package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

// MigrationSet is the collection of versioned schema migrations compiled into
// the migrator binary. Before any migration runs, the set is validated as a
// whole: every filename must match the naming standard, every up file needs a
// matching down file, version numbers must be gap-free, and checksums are
// tracked so a file that changes between validations is caught before it can
// touch the database.
type MigrationSet struct {
	fsys      fs.FS
	checksums map[string]string
}

// migrationFile is the parsed form of a single migration filename.
type migrationFile struct {
	Version   int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

//go:embed *.sql
var schemaFS embed.FS

// Filenames must look like 001_initial_schema.up.sql. Anything else is
// skipped by List and makes Validate report an empty set.
var migrationFilePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// NewMigrationSet wraps the given filesystem as a migration set. Passing nil
// selects the SQL files embedded in this binary, which is what every caller
// outside of tests wants.
func NewMigrationSet(fsys fs.FS) *MigrationSet {
	if fsys == nil {
		fsys = schemaFS
	}

	return &MigrationSet{
		fsys:      fsys,
		checksums: make(map[string]string),
	}
}

// FS exposes the underlying filesystem so it can be handed to the migration
// engine as a source.
func (s *MigrationSet) FS() fs.FS {
	return s.fsys
}

// List returns the migration filenames in apply order. Files that do not
// match the naming standard are skipped rather than reported, so stray files
// next to the SQL cannot break the tool.
func (s *MigrationSet) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migration set: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if migrationFilePattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}

	// Zero-padded version prefixes make lexicographic order apply order.
	sort.Strings(names)

	return names, nil
}

// ReadFile returns the contents of a single migration file.
func (s *MigrationSet) ReadFile(name string) ([]byte, error) {
	return fs.ReadFile(s.fsys, name)
}

// Validate checks the whole set: at least one migration, every file readable,
// up/down files paired, versions gap-free starting at 001, and contents
// unchanged since any earlier validation in this process.
func (s *MigrationSet) Validate() error {
	names, err := s.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return errors.New("migration set is empty: no files match NNN_name.(up|down).sql")
	}

	contents := make(map[string][]byte, len(names))

	for _, name := range names {
		content, readErr := s.ReadFile(name)
		if readErr != nil {
			return fmt.Errorf("unreadable migration file %s: %w", name, readErr)
		}

		contents[name] = content
	}

	parsed := make([]*migrationFile, 0, len(names))

	for _, name := range names {
		mf, parseErr := parseMigrationFilename(name)
		if parseErr != nil {
			return parseErr
		}

		parsed = append(parsed, mf)
	}

	if err := checkPairing(parsed); err != nil {
		return err
	}

	if err := checkSequence(parsed); err != nil {
		return err
	}

	// Compare against checksums captured by an earlier validation, then
	// record the current ones for the next call.
	for _, name := range names {
		sum := fileChecksum(contents[name])
		if prev, ok := s.checksums[name]; ok && prev != sum {
			return fmt.Errorf("migration file %s was modified after validation (checksum mismatch)", name)
		}
	}

	for _, name := range names {
		s.checksums[name] = fileChecksum(contents[name])
	}

	return nil
}

// MaxVersion returns the highest version number present in the set, or 0
// when the set holds no valid migration files. The runner compares this
// against the version recorded in the database to report compatibility.
func (s *MigrationSet) MaxVersion() int {
	names, err := s.List()
	if err != nil {
		return 0
	}

	highest := 0

	for _, name := range names {
		if mf, parseErr := parseMigrationFilename(name); parseErr == nil && mf.Version > highest {
			highest = mf.Version
		}
	}

	return highest
}

// parseMigrationFilename splits NNN_name.(up|down).sql into its parts.
func parseMigrationFilename(name string) (*migrationFile, error) {
	m := migrationFilePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("migration filename %s does not match NNN_name.(up|down).sql", name)
	}

	version, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("migration filename %s has a bad version number: %w", name, err)
	}

	return &migrationFile{
		Version:   version,
		Name:      m[2],
		Direction: m[3],
		Filename:  name,
	}, nil
}

// checkPairing verifies every up migration has a down migration and the
// other way around. Unpaired files usually mean a botched rebase.
func checkPairing(files []*migrationFile) error {
	type pair struct {
		up   bool
		down bool
	}

	pairs := make(map[string]*pair)

	for _, mf := range files {
		key := fmt.Sprintf("%03d_%s", mf.Version, mf.Name)

		p := pairs[key]
		if p == nil {
			p = &pair{}
			pairs[key] = p
		}

		if mf.Direction == "up" {
			p.up = true
		} else {
			p.down = true
		}
	}

	for key, p := range pairs {
		if !p.down {
			return fmt.Errorf("migration %s has no down file", key)
		}

		if !p.up {
			return fmt.Errorf("migration %s has no up file (orphaned down migration)", key)
		}
	}

	return nil
}

// checkSequence verifies version numbers start at 001 and have no gaps, so a
// forgotten file cannot silently reorder what runs on a fresh database.
func checkSequence(files []*migrationFile) error {
	seen := make(map[int]bool)
	for _, mf := range files {
		seen[mf.Version] = true
	}

	if len(seen) == 0 {
		return nil
	}

	versions := make([]int, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}

	sort.Ints(versions)

	if versions[0] != 1 {
		return fmt.Errorf("migration versions must start at 001, found %03d", versions[0])
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] != versions[i-1]+1 {
			return fmt.Errorf("gap in migration versions: %03d is followed by %03d", versions[i-1], versions[i])
		}
	}

	return nil
}

// fileChecksum is the SHA-256 of the file contents, hex encoded.
func fileChecksum(content []byte) string {
	sum := sha256.Sum256(content)

	return hex.EncodeToString(sum[:])
}
