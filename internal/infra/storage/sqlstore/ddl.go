package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/chainindexer/internal/schema"
)

// ObjectColumn holds the encoded row of an entity next to its typed columns.
const ObjectColumn = "object"

// migrateTables creates the namespace, tables, indexes and foreign keys of
// plan inside tx. Every statement is idempotent so an existing namespace only
// gains what the new version adds.
func migrateTables(ctx context.Context, tx *sqlx.Tx, d Dialect, plan *schema.Plan) error {
	ns := plan.Namespace

	for _, stmt := range d.CreateNamespace(ns) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create namespace %s: %w", ns, err)
		}
	}

	for _, t := range plan.Tables {
		if _, err := tx.ExecContext(ctx, createTable(d, plan, t)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
		if !d.AddColumns() {
			continue
		}
		for _, c := range t.Columns {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				d.Table(ns, t.Name), quote(c.Name), d.ColumnType(c.Kind))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", t.Name, c.Name, err)
			}
		}
	}

	// Indexes before foreign keys: a join on a @unique field needs its index.
	for _, t := range plan.Tables {
		for _, idx := range t.Indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s%s (%s)",
				unique, d.Index(ns, idx.Name), d.Table(ns, t.Name), d.IndexMethod(idx.Method), quote(idx.Column))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index %s: %w", idx.Name, err)
			}
		}
	}

	if d.InlineForeignKeys() {
		return nil
	}
	for _, t := range plan.Tables {
		for _, fk := range t.ForeignKeys {
			exists, err := d.ConstraintExists(ctx, tx, ns, t.Name, fk.Name)
			if err != nil {
				return fmt.Errorf("failed to check constraint %s: %w", fk.Name, err)
			}
			if exists {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
				d.Table(ns, t.Name), quote(fk.Name), foreignKey(d, ns, fk))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to add foreign key %s: %w", fk.Name, err)
			}
		}
	}
	return nil
}

func createTable(d Dialect, plan *schema.Plan, t *schema.Table) string {
	var defs []string
	for _, c := range t.Columns {
		def := quote(c.Name) + " " + d.ColumnType(c.Kind)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if !t.IsJoinTable() {
		defs = append(defs, quote(ObjectColumn)+" "+d.ObjectType()+" NOT NULL")
	}

	pk := make([]string, len(t.PrimaryKey))
	for i, c := range t.PrimaryKey {
		pk[i] = quote(c)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")

	if d.InlineForeignKeys() {
		for _, fk := range t.ForeignKeys {
			defs = append(defs, "CONSTRAINT "+quote(fk.Name)+" "+foreignKey(d, plan.Namespace, fk))
		}
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		d.Table(plan.Namespace, t.Name), strings.Join(defs, ",\n\t"))
}

// foreignKey checks are deferred to commit so handlers may write a batch's
// entities in any order.
func foreignKey(d Dialect, ns string, fk schema.ForeignKey) string {
	return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) DEFERRABLE INITIALLY DEFERRED",
		quote(fk.Column), d.Table(ns, fk.RefTable), quote(fk.RefColumn))
}
