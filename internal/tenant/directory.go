// Package tenant records the subjects a cycle may run for. Every
// execution cycle names a subject, and the engine refuses subjects that
// were never registered here.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExists is returned by Add when the tenant id is already registered.
var ErrExists = errors.New("tenant already exists")

// Tenant is a registered subject.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory is the SQLite-backed tenant registry.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a tenant directory on an existing database.
func NewDirectory(db *sql.DB) (*Directory, error) {
	d := &Directory{db: db}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *Directory) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// Add registers a tenant. The id is trimmed and must be non-empty.
func (d *Directory) Add(ctx context.Context, id, name string) (*Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	exists, err := d.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", id, ErrExists)
	}

	now := time.Now().UTC()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert tenant %s: %w", id, err)
	}
	return &Tenant{ID: id, Name: name, CreatedAt: now.Truncate(time.Second)}, nil
}

// Exists reports whether id is a registered tenant.
func (d *Directory) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenants WHERE id = ?`, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup tenant %s: %w", id, err)
	}
	return n > 0, nil
}

// List returns every tenant ordered by id.
func (d *Directory) List(ctx context.Context) ([]Tenant, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &created); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, t)
	}
	return out, rows.Err()
}
