package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/podyard/internal/db"
	"github.com/zulandar/podyard/internal/store"
)

func TestDBMigrate_SQLiteWithSeed(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")
	cfg := writeConfig(t, "http://localhost:5000", "store:\n  driver: sqlite\n  path: "+dbPath+"\n")

	out, err := runCmd(t, "db", "migrate", "--config", cfg, "--seed", "PodA,PodB")
	if err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrated 2 tables (sqlite)") || !strings.Contains(out, "Seeded pods: PodA, PodB") {
		t.Errorf("output:\n%s", out)
	}

	// Running again leaves seeded rows alone.
	if _, err := runCmd(t, "db", "migrate", "--config", cfg, "--seed", "PodA"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	gormDB, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close(gormDB)
	pods, err := store.NewRepo(gormDB, nil).ListPods()
	if err != nil {
		t.Fatalf("ListPods: %v", err)
	}
	if len(pods) != 2 {
		t.Errorf("pods = %d, want 2", len(pods))
	}
}

func TestDBCmd_Help(t *testing.T) {
	out, err := runCmd(t, "db", "--help")
	if err != nil {
		t.Fatalf("db --help: %v", err)
	}
	if !strings.Contains(out, "migrate") {
		t.Errorf("help missing migrate:\n%s", out)
	}
}
