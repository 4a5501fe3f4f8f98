// Package catalog persists an introspection snapshot of a VM's class
// registry and function table to SQLite, for tooling that inspects a
// runtime after the fact.
package catalog

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/vela-lang/vela/vm"
)

const schema = `
CREATE TABLE IF NOT EXISTS classes (
	name          TEXT PRIMARY KEY,
	ancestors     TEXT NOT NULL,
	storage_slots INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS linearizations (
	class    TEXT NOT NULL,
	pos      INTEGER NOT NULL,
	ancestor TEXT NOT NULL,
	PRIMARY KEY (class, pos)
);
CREATE TABLE IF NOT EXISTS functions (
	name       TEXT PRIMARY KEY,
	num_params INTEGER NOT NULL,
	num_locals INTEGER NOT NULL,
	num_cmds   INTEGER NOT NULL
);
`

// Catalog is an open snapshot database.
type Catalog struct {
	db  *sql.DB
	log commonlog.Logger
}

// Open creates or opens the catalog at path and ensures the schema.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing catalog %s: %w", path, err)
	}
	return &Catalog{db: db, log: commonlog.GetLogger("vela.catalog")}, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Snapshot replaces the stored snapshot with the VM's current classes and
// functions, atomically.
func (c *Catalog) Snapshot(v *vm.VM) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"classes", "linearizations", "functions"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}

	classes := v.Classes.All()
	for _, cls := range classes {
		names := make([]string, len(cls.Ancestors))
		for i, a := range cls.Ancestors {
			names[i] = a.Name
		}
		if _, err := tx.Exec(
			`INSERT INTO classes (name, ancestors, storage_slots) VALUES (?, ?, ?)`,
			cls.Name, strings.Join(names, ","), cls.StorageSize(),
		); err != nil {
			return err
		}
		for pos, a := range cls.Linearization() {
			if _, err := tx.Exec(
				`INSERT INTO linearizations (class, pos, ancestor) VALUES (?, ?, ?)`,
				cls.Name, pos, a.Name,
			); err != nil {
				return err
			}
		}
	}

	for name, id := range v.Funcs() {
		fn := v.FuncByID(id)
		if fn == nil {
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO functions (name, num_params, num_locals, num_cmds) VALUES (?, ?, ?, ?)`,
			name, fn.NumParams, fn.NumLocals, len(fn.Cmds),
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	c.log.Infof("snapshot: %d classes", len(classes))
	return nil
}

// ClassRow is one stored class.
type ClassRow struct {
	Name          string
	Ancestors     []string
	StorageSlots  int
	Linearization []string
}

// Class reads one stored class back, or nil if absent.
func (c *Catalog) Class(name string) (*ClassRow, error) {
	row := c.db.QueryRow(`SELECT name, ancestors, storage_slots FROM classes WHERE name = ?`, name)
	var r ClassRow
	var ancestors string
	if err := row.Scan(&r.Name, &ancestors, &r.StorageSlots); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if ancestors != "" {
		r.Ancestors = strings.Split(ancestors, ",")
	}

	rows, err := c.db.Query(`SELECT ancestor FROM linearizations WHERE class = ? ORDER BY pos`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		r.Linearization = append(r.Linearization, a)
	}
	return &r, rows.Err()
}

// ClassNames lists every stored class.
func (c *Catalog) ClassNames() ([]string, error) {
	rows, err := c.db.Query(`SELECT name FROM classes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
