// Package migrate applies the embedded schema files in sql/ in filename
// order. Files are named NNNN_description.sql.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	body    string
}

// Applied describes one migration recorded in schema_migrations.
type Applied struct {
	Version   int
	Name      string
	AppliedAt string
}

func steps() ([]step, error) {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want NNNN_name.sql", base)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", base, err)
		}
		body, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, name: base, body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", out[i-1].name, out[i].name, out[i].version)
		}
	}
	return out, nil
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations(
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`

// Migrate applies every migration not yet recorded in schema_migrations.
// Each file runs in its own transaction together with its ledger row.
func Migrate(db *sql.DB) error {
	_, err := Run(db)
	return err
}

// Run is Migrate returning the migrations it applied.
func Run(db *sql.DB) ([]Applied, error) {
	all, err := steps()
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(ledgerDDL); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := History(db)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(done))
	for _, a := range done {
		seen[a.Version] = true
	}
	var applied []Applied
	for _, s := range all {
		if seen[s.version] {
			continue
		}
		a, err := apply(db, s)
		if err != nil {
			return applied, err
		}
		applied = append(applied, a)
	}
	return applied, nil
}

func apply(db *sql.DB, s step) (Applied, error) {
	tx, err := db.Begin()
	if err != nil {
		return Applied{}, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.body); err != nil {
		return Applied{}, fmt.Errorf("migration %s: %w", s.name, err)
	}
	a := Applied{Version: s.version, Name: s.name, AppliedAt: time.Now().UTC().Format(time.RFC3339)}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?,?,?)`, a.Version, a.Name, a.AppliedAt); err != nil {
		return Applied{}, fmt.Errorf("record %s: %w", s.name, err)
	}
	return a, tx.Commit()
}

// History lists applied migrations, oldest first.
func History(db *sql.DB) ([]Applied, error) {
	rows, err := db.Query(`SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
