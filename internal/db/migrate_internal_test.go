package db

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0010_later.sql":  {Data: []byte("SELECT 10;")},
		"m/0002_second.sql": {Data: []byte("SELECT 2;")},
		"m/0001_init.sql":   {Data: []byte("SELECT 1;")},
		"m/README.md":       {Data: []byte("not a migration")},
	}

	ms, err := loadMigrations(fsys, "m")
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	var got []int
	for _, m := range ms {
		got = append(got, m.version)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 10 {
		t.Fatalf("expected versions [1 2 10], got %v", got)
	}
}

func TestLoadMigrations_RejectsDuplicatesAndBadNames(t *testing.T) {
	dup := fstest.MapFS{
		"m/0001_a.sql": {Data: []byte("SELECT 1;")},
		"m/001_b.sql":  {Data: []byte("SELECT 1;")},
	}
	if _, err := loadMigrations(dup, "m"); err == nil {
		t.Error("expected duplicate version error")
	}

	for _, name := range []string{"init.sql", "abc_init.sql", "0000_zero.sql"} {
		if _, err := parseVersion(name); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
