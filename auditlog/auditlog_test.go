package auditlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcache/podcache/logger"
)

func TestOpenWithEmptyPathDisablesLogging(t *testing.T) {
	l, err := Open("", logger.Default)
	require.NoError(t, err)
	defer l.Close()

	// Record and Close must be safe no-ops.
	l.Record("sid-1", 0, 99, true, 100)
	assert.NoError(t, l.Close())
}

func TestRecordPersistsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, logger.Default)
	require.NoError(t, err)
	defer l.Close()

	l.Record("sid-1", 0, 99, true, 100)
	l.Record("sid-1", 100, 199, false, 100)

	var count int
	require.NoError(t, l.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE sid = ?`, "sid-1").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	l1, err := Open(path, logger.Default)
	require.NoError(t, err)
	l1.Record("sid-a", 0, 9, true, 10)
	require.NoError(t, l1.Close())

	l2, err := Open(path, logger.Default)
	require.NoError(t, err)
	defer l2.Close()

	var count int
	require.NoError(t, l2.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE sid = ?`, "sid-a").Scan(&count))
	assert.Equal(t, 1, count)
}
