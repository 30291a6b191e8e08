package database

import (
	"database/sql"
	"fmt"
	"log"
)

// InitializeDefaultData seeds the rows the gateway cannot run without.
// Currently that is only the default domain; deployments with DOMAIN_ENABLED
// create further domains through their management plane.
func InitializeDefaultData(db *sql.DB, storageBackend string, redirectToObjectStorage bool) error {
	res, err := db.Exec(
		`INSERT INTO domains (name, storage_backend, redirect_to_object_storage)
		 VALUES ('default', $1, $2)
		 ON CONFLICT (name) DO NOTHING`,
		storageBackend, redirectToObjectStorage,
	)
	if err != nil {
		return fmt.Errorf("failed to seed default domain: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Println("Seeded default domain")
	}
	return nil
}
