package db

import (
	"fmt"
	"io"
)

// MigrateActions lists the actions RunMigrate accepts.
var MigrateActions = []string{"up", "down", "status"}

// RunMigrate applies action to the journal schema at path and prints the
// resulting version to w. "up" applies pending migrations, "down" rolls back
// the most recent one and "status" changes nothing.
func RunMigrate(action, path string, w io.Writer) error {
	switch action {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unknown migrate action %q, want one of %v", action, MigrateActions)
	}

	database, err := OpenDB(path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", path, err)
	}
	defer database.Close()

	switch action {
	case "up":
		err = database.MigrateUp()
	case "down":
		err = database.MigrateDown()
	}
	if err != nil {
		return err
	}

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(w, "schema version %d", version)
	if dirty {
		fmt.Fprint(w, " (dirty: a migration failed part way)")
	}
	fmt.Fprintln(w)
	return nil
}
