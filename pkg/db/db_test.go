package db

import (
	"context"
	"io/fs"
	"testing"

	"veracodecsv/pkg/db/migrations"
)

func TestNilPool(t *testing.T) {
	if err := Migrate(context.Background(), nil); err == nil {
		t.Fatalf("Migrate(nil) expected error")
	}
	if _, err := ORM(nil); err == nil {
		t.Fatalf("ORM(nil) expected error")
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://%zz"); err == nil {
		t.Fatalf("Open() expected error")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	if _, err := fs.Stat(migrations.FS, "0001_init.go"); err != nil {
		t.Fatalf("embedded migration missing: %v", err)
	}
}
