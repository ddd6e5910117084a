package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	script := `
CREATE TABLE a (id TEXT PRIMARY KEY);
CREATE TABLE b (id TEXT PRIMARY KEY);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT PRIMARY KEY)", stmts[0])
	assert.Equal(t, "CREATE TABLE b (id TEXT PRIMARY KEY)", stmts[1])
}

func TestSplitStatementsSemicolonInComment(t *testing.T) {
	script := `
-- ordered list; pairing via block_id
CREATE TABLE nodes (
    id TEXT PRIMARY KEY,
    block_id TEXT
);
CREATE INDEX idx_nodes_block ON nodes(block_id);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE nodes")
	assert.NotContains(t, stmts[0], "--")
	assert.Contains(t, stmts[1], "CREATE INDEX")
}

func TestSplitStatementsEmbeddedSchema(t *testing.T) {
	stmts := splitStatements(migration001)
	require.NotEmpty(t, stmts)
	for _, s := range stmts {
		for _, l := range strings.Split(s, "\n") {
			assert.False(t, strings.HasPrefix(strings.TrimSpace(l), "--"))
		}
		upper := strings.ToUpper(s)
		assert.True(t, strings.HasPrefix(upper, "CREATE"), "unexpected statement: %s", s)
	}
}
