package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/agentdeploy/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file (not :memory:) is used so every pooled connection sees the same
// data. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "agentdeploy_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
