package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("successfully opens database and runs migrations", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		for _, table := range []string{
			"schema_migrations",
			"pulse_jobs",
			"scheduled_pulse_jobs",
			"pulse_executions",
			"candidates",
			"employees",
			"offers",
			"offer_templates",
			"audit_log",
			"notifications",
			"email_templates",
			"email_messages",
			"queued_actions",
		} {
			var exists int
			err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
		}
	})

	t.Run("open errors carry stack traces", func(t *testing.T) {
		db, err := OpenWithMigrations("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go", "stack should reference source file")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("records every applied version", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		entries, err := migrations.ReadDir("sqlite/migrations")
		require.NoError(t, err)
		assert.Equal(t, len(entries), count)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("active offer index rejects a second active offer", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO employees (id, first_name, email, status, created_at, updated_at)
			VALUES ('e1', 'Ada', 'ada@example.com', 'PENDING_START', '2026-01-01', '2026-01-01')`)
		require.NoError(t, err)

		insert := `INSERT INTO offers (id, employee_id, status, body, created_at, updated_at)
			VALUES (?, 'e1', ?, '', '2026-01-01', '2026-01-01')`
		_, err = db.Exec(insert, "o1", "DECLINED")
		require.NoError(t, err)
		_, err = db.Exec(insert, "o2", "DRAFT")
		require.NoError(t, err)
		_, err = db.Exec(insert, "o3", "SENT")
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("pending lists unapplied migrations in order", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		pending, err := Pending(db)
		require.NoError(t, err)
		require.NotEmpty(t, pending)
		assert.Equal(t, "000_create_schema_migrations.sql", pending[0])
		assert.IsIncreasing(t, pending)

		require.NoError(t, Migrate(db, nil))
		pending, err = Pending(db)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("migration on a closed database fails", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
	})
}
