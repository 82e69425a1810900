package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMigrationName(t *testing.T) {
	version, name, err := parseMigrationName("001_initial_schema.sql")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, "initial_schema", name)

	version, name, err = parseMigrationName("012_add_retention.sql")
	require.NoError(t, err)
	assert.Equal(t, 12, version)
	assert.Equal(t, "add_retention", name)

	for _, bad := range []string{"schema.sql", "abc_schema.sql", "001_.sql", "0_nothing.sql"} {
		_, _, err := parseMigrationName(bad)
		assert.Error(t, err, bad)
	}
}

func TestSQLStatements(t *testing.T) {
	script := `-- workflows hold the chains
CREATE TABLE workflows (id TEXT PRIMARY KEY);

-- steps reference workflows
CREATE TABLE steps (
	id TEXT PRIMARY KEY -- inline comments survive
);
CREATE INDEX idx_steps ON steps (id);
`
	stmts := sqlStatements(script)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE TABLE workflows")
	assert.Contains(t, stmts[1], "CREATE TABLE steps")
	assert.Contains(t, stmts[2], "CREATE INDEX")
}

func TestSQLStatementsCommentOnlyScript(t *testing.T) {
	assert.Empty(t, sqlStatements("-- nothing here\n-- at all\n"))
}

func TestMigrateRecordsHistory(t *testing.T) {
	s := newTestStore(t)

	rows, err := s.db.QueryContext(context.Background(),
		`SELECT version, name FROM migration_history ORDER BY version`)
	require.NoError(t, err)
	defer rows.Close()

	var versions []int
	var names []string
	for rows.Next() {
		var v int
		var n string
		require.NoError(t, rows.Scan(&v, &n))
		versions = append(versions, v)
		names = append(names, n)
	}
	require.NoError(t, rows.Err())

	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0])
	assert.Equal(t, "initial_schema", names[0])

	// Re-running must not re-apply or duplicate history rows.
	require.NoError(t, s.Migrate(context.Background()))
	var count int
	require.NoError(t, s.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM migration_history`).Scan(&count))
	assert.Equal(t, 1, count)
}
