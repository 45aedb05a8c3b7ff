package main

import (
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

// shippedMigrations is every migration file expected inside the binary, in
// apply order.
var shippedMigrations = []string{
	"001_initial_schema.down.sql",
	"001_initial_schema.up.sql",
	"002_change_capture_triggers.down.sql",
	"002_change_capture_triggers.up.sql",
	"003_performance_optimization.down.sql",
	"003_performance_optimization.up.sql",
}

func TestNewMigrationSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set := NewMigrationSet(nil)
	if set == nil {
		t.Fatal("expected a migration set")
	}

	if set.FS() == nil {
		t.Fatal("expected the embedded filesystem to be reachable")
	}

	names, err := set.List()
	if err != nil {
		t.Fatalf("failed to list embedded migrations: %v", err)
	}

	if len(names) == 0 {
		t.Error("expected the embedded set to contain migration files")
	}
}

func TestMigrationSetList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set := NewMigrationSet(nil)

	names, err := set.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(names, shippedMigrations) {
		t.Errorf("List() = %v, want %v", names, shippedMigrations)
	}

	for _, name := range names {
		if !migrationFilePattern.MatchString(name) {
			t.Errorf("file %s escapes the naming standard", name)
		}
	}
}

func TestMigrationSetListOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Versions deliberately out of creation order; zero-padded prefixes must
	// still sort into apply order.
	scrambled := fstest.MapFS{
		"010_colors.up.sql":    &fstest.MapFile{Data: []byte("CREATE TABLE opms_color (id SERIAL);")},
		"010_colors.down.sql":  &fstest.MapFile{Data: []byte("DROP TABLE opms_color;")},
		"002_items.up.sql":     &fstest.MapFile{Data: []byte("CREATE TABLE opms_item (id SERIAL);")},
		"002_items.down.sql":   &fstest.MapFile{Data: []byte("DROP TABLE opms_item;")},
		"001_vendors.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
		"001_vendors.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE opms_vendor;")},
		"100_archive.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE opms_archive (id SERIAL);")},
		"100_archive.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE opms_archive;")},
		"020_prices.up.sql":    &fstest.MapFile{Data: []byte("CREATE TABLE opms_price (id SERIAL);")},
		"020_prices.down.sql":  &fstest.MapFile{Data: []byte("DROP TABLE opms_price;")},
	}

	set := NewMigrationSet(scrambled)

	names, err := set.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"001_vendors.down.sql",
		"001_vendors.up.sql",
		"002_items.down.sql",
		"002_items.up.sql",
		"010_colors.down.sql",
		"010_colors.up.sql",
		"020_prices.down.sql",
		"020_prices.up.sql",
		"100_archive.down.sql",
		"100_archive.up.sql",
	}

	if !reflect.DeepEqual(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
}

func TestMigrationSetReadFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set := NewMigrationSet(nil)

	t.Run("every shipped file has SQL in it", func(t *testing.T) {
		for _, name := range shippedMigrations {
			content, err := set.ReadFile(name)
			if err != nil {
				t.Errorf("failed to read %s: %v", name, err)
				continue
			}

			if len(content) == 0 {
				t.Errorf("%s is empty", name)
				continue
			}

			text := string(content)
			if !strings.Contains(text, "CREATE") && !strings.Contains(text, "DROP") &&
				!strings.Contains(text, "ALTER") {
				t.Errorf("%s does not look like SQL", name)
			}
		}
	})

	t.Run("missing file reports a readable error", func(t *testing.T) {
		_, err := set.ReadFile("999_missing.up.sql")
		if err == nil {
			t.Fatal("expected error for missing file, got nil")
		}

		if !strings.Contains(err.Error(), "file does not exist") {
			t.Errorf("error = %v, want a file-does-not-exist error", err)
		}
	})
}

func TestMigrationSetFS(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := NewMigrationSet(nil).FS()

	file, err := fsys.Open("001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("failed to open embedded file through FS(): %v", err)
	}
	_ = file.Close()

	if _, err := fsys.Open("999_missing.up.sql"); err == nil {
		t.Error("expected error opening a missing file, got nil")
	}
}

func TestMigrationSetValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set := NewMigrationSet(nil)

	if err := set.Validate(); err != nil {
		t.Fatalf("embedded migration set failed validation: %v", err)
	}

	// Validation records checksums; a second pass over unchanged files must
	// also succeed.
	if err := set.Validate(); err != nil {
		t.Errorf("revalidation of an unchanged set failed: %v", err)
	}
}

func TestMigrationSetValidateEmpty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// None of these match the naming standard, so the set is effectively
	// empty.
	strays := fstest.MapFS{
		"notes.txt":           &fstest.MapFile{Data: []byte("remember to reindex")},
		"schema.sql":          &fstest.MapFile{Data: []byte("-- no version prefix")},
		"001.sql":             &fstest.MapFile{Data: []byte("-- no name or direction")},
		"001_items.UP.sql":    &fstest.MapFile{Data: []byte("-- uppercase direction")},
		"setup_tables.up.sql": &fstest.MapFile{Data: []byte("-- no numeric prefix")},
	}

	err := NewMigrationSet(strays).Validate()
	if err == nil {
		t.Fatal("expected validation to fail for a set with no valid files")
	}

	if !strings.Contains(err.Error(), "empty") {
		t.Errorf("error = %v, want it to report an empty set", err)
	}
}

func TestMigrationSetValidatePairing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("up without down", func(t *testing.T) {
		unpaired := fstest.MapFS{
			"001_vendors.up.sql": &fstest.MapFile{Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
		}

		err := NewMigrationSet(unpaired).Validate()
		if err == nil {
			t.Fatal("expected validation to fail for an up migration without a down")
		}

		if !strings.Contains(err.Error(), "no down file") {
			t.Errorf("error = %v, want it to name the missing down file", err)
		}
	})

	t.Run("down without up", func(t *testing.T) {
		orphaned := fstest.MapFS{
			"001_vendors.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
			"001_vendors.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE opms_vendor;")},
			"002_items.down.sql":   &fstest.MapFile{Data: []byte("DROP TABLE opms_item;")},
		}

		err := NewMigrationSet(orphaned).Validate()
		if err == nil {
			t.Fatal("expected validation to fail for a down migration without an up")
		}

		if !strings.Contains(err.Error(), "no up file") {
			t.Errorf("error = %v, want it to name the missing up file", err)
		}
	})
}

func TestMigrationSetValidateSequence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("must start at 001", func(t *testing.T) {
		late := fstest.MapFS{
			"002_items.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE opms_item (id SERIAL);")},
			"002_items.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE opms_item;")},
		}

		err := NewMigrationSet(late).Validate()
		if err == nil {
			t.Fatal("expected validation to fail when versions start past 001")
		}

		if !strings.Contains(err.Error(), "start at 001") {
			t.Errorf("error = %v, want it to require version 001", err)
		}
	})

	t.Run("no gaps", func(t *testing.T) {
		gapped := fstest.MapFS{
			"001_vendors.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
			"001_vendors.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE opms_vendor;")},
			"003_prices.up.sql":    &fstest.MapFile{Data: []byte("CREATE TABLE opms_price (id SERIAL);")},
			"003_prices.down.sql":  &fstest.MapFile{Data: []byte("DROP TABLE opms_price;")},
		}

		err := NewMigrationSet(gapped).Validate()
		if err == nil {
			t.Fatal("expected validation to fail for a gapped sequence")
		}

		if !strings.Contains(err.Error(), "gap") {
			t.Errorf("error = %v, want it to report the gap", err)
		}
	})
}

func TestMigrationSetValidateChecksums(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	original := fstest.MapFS{
		"001_vendors.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
		"001_vendors.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE opms_vendor;")},
	}

	set := NewMigrationSet(original)
	if err := set.Validate(); err != nil {
		t.Fatalf("initial validation failed: %v", err)
	}

	// Same filenames, different content, with the checksums of the original
	// carried over: this simulates a file edited after first validation.
	tampered := fstest.MapFS{
		"001_vendors.up.sql": &fstest.MapFile{
			Data: []byte("CREATE TABLE opms_vendor (id SERIAL, name VARCHAR(255));"),
		},
		"001_vendors.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE opms_vendor;")},
	}

	tamperedSet := NewMigrationSet(tampered)
	tamperedSet.checksums = set.checksums

	err := tamperedSet.Validate()
	if err == nil {
		t.Fatal("expected validation to catch the modified file")
	}

	if !strings.Contains(err.Error(), "modified") {
		t.Errorf("error = %v, want it to report the modification", err)
	}
}

func TestMigrationSetMaxVersion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		files    map[string]*fstest.MapFile
		expected int
	}{
		{
			name:     "no files",
			files:    map[string]*fstest.MapFile{},
			expected: 0,
		},
		{
			name: "single migration",
			files: map[string]*fstest.MapFile{
				"001_vendors.up.sql":   {Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
				"001_vendors.down.sql": {Data: []byte("DROP TABLE opms_vendor;")},
			},
			expected: 1,
		},
		{
			name: "highest version wins regardless of gaps",
			files: map[string]*fstest.MapFile{
				"001_vendors.up.sql":   {Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
				"001_vendors.down.sql": {Data: []byte("DROP TABLE opms_vendor;")},
				"005_prices.up.sql":    {Data: []byte("CREATE TABLE opms_price (id SERIAL);")},
				"005_prices.down.sql":  {Data: []byte("DROP TABLE opms_price;")},
				"003_items.up.sql":     {Data: []byte("CREATE TABLE opms_item (id SERIAL);")},
				"003_items.down.sql":   {Data: []byte("DROP TABLE opms_item;")},
			},
			expected: 5,
		},
		{
			name: "three digit versions",
			files: map[string]*fstest.MapFile{
				"112_views.up.sql":    {Data: []byte("CREATE VIEW item_status AS SELECT 1;")},
				"112_views.down.sql":  {Data: []byte("DROP VIEW item_status;")},
				"050_middle.up.sql":   {Data: []byte("CREATE INDEX idx_item ON opms_item(id);")},
				"050_middle.down.sql": {Data: []byte("DROP INDEX idx_item;")},
			},
			expected: 112,
		},
		{
			name: "invalid filenames ignored",
			files: map[string]*fstest.MapFile{
				"001_vendors.up.sql":   {Data: []byte("CREATE TABLE opms_vendor (id SERIAL);")},
				"001_vendors.down.sql": {Data: []byte("DROP TABLE opms_vendor;")},
				"002_items.up.sql":     {Data: []byte("CREATE TABLE opms_item (id SERIAL);")},
				"002_items.down.sql":   {Data: []byte("DROP TABLE opms_item;")},
				"stray.sql":            {Data: []byte("SELECT 1;")},
				"readme.txt":           {Data: []byte("not a migration")},
			},
			expected: 2,
		},
		{
			name: "only invalid filenames",
			files: map[string]*fstest.MapFile{
				"stray.sql":  {Data: []byte("SELECT 1;")},
				"readme.txt": {Data: []byte("not a migration")},
			},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewMigrationSet(fstest.MapFS(tt.files))

			if got := set.MaxVersion(); got != tt.expected {
				t.Errorf("MaxVersion() = %d, want %d", got, tt.expected)
			}
		})
	}
}
