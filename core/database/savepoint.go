package database

import (
	"database/sql"
	"fmt"
	"regexp"
)

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Savepoint runs fn inside a named SAVEPOINT on an already-open transaction.
// On error only the inner step is rolled back; the outer transaction stays
// usable. Repo methods that can be called from an outer transaction
// (purge paths, exam delete) use this to keep their own cleanup atomic.
func Savepoint(tx *sql.Tx, name string, fn func(tx *sql.Tx) error) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}

	if _, err := tx.Exec("SAVEPOINT " + name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}

	if err := fn(tx); err != nil {
		if _, rbErr := tx.Exec("ROLLBACK TO SAVEPOINT " + name); rbErr != nil {
			return fmt.Errorf("rollback to %s after %v: %w", name, err, rbErr)
		}
		// Release so the savepoint does not accumulate on the tx stack.
		_, _ = tx.Exec("RELEASE SAVEPOINT " + name)
		return err
	}

	if _, err := tx.Exec("RELEASE SAVEPOINT " + name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}
