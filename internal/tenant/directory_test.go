package tenant

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nugget/prism/internal/database"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "tenant.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d, err := NewDirectory(db)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	return d
}

func TestAddAndExists(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	ok, err := d.Exists(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if ok {
		t.Fatal("Exists() = true before Add")
	}

	if _, err := d.Add(ctx, " tenant-1 ", "Ada Consulting"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	ok, err = d.Exists(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if !ok {
		t.Error("Exists() = false after Add")
	}
}

func TestAddDuplicate(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	if _, err := d.Add(ctx, "tenant-1", ""); err != nil {
		t.Fatal(err)
	}
	_, err := d.Add(ctx, "tenant-1", "again")
	if !errors.Is(err, ErrExists) {
		t.Errorf("Add() duplicate error = %v, want ErrExists", err)
	}
}

func TestAddEmptyID(t *testing.T) {
	d := testDirectory(t)
	if _, err := d.Add(context.Background(), "   ", "blank"); err == nil {
		t.Error("Add() with blank id should error")
	}
}

func TestList(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if _, err := d.Add(ctx, id, "name-"+id); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List() returned %d tenants, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("List()[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
	if got[0].Name != "name-a" || got[0].CreatedAt.IsZero() {
		t.Errorf("List()[0] = %+v", got[0])
	}
}
