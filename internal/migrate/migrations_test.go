package migrate

import (
	"testing"

	"leccionario/internal/db"
)

func TestLoadMigrationsOrderedAndNamed(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations")
	}
	prev := 0
	for _, m := range migrations {
		if m.Version <= prev {
			t.Fatalf("versions not strictly ascending at %s", m.Name)
		}
		prev = m.Version
		if m.UpSQL == "" {
			t.Fatalf("migration %s is empty", m.Name)
		}
	}
	if migrations[0].Version != 1 || migrations[0].Name != "0001_init.sql" {
		t.Fatalf("first migration = %d %s", migrations[0].Version, migrations[0].Name)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var rows, version int
	var name string
	if err := conn.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("schema_version rows = %d", rows)
	}
	if err := conn.QueryRow(`SELECT version, name FROM schema_version`).Scan(&version, &name); err != nil {
		t.Fatal(err)
	}
	if version != 1 || name != "0001_init.sql" {
		t.Fatalf("schema_version = %d %q", version, name)
	}
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`UPDATE schema_version SET version=999`); err != nil {
		t.Fatal(err)
	}
	if err := Migrate(conn); err == nil {
		t.Fatal("expected refusal on newer schema version")
	}
}
