package journal_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/chainstream/internal/journal"
)

func TestJournal_RecordAndRanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stream.db")

	j, err := journal.Open(path, "/img/top.qcow2")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(4096, 512, "aa"))
	require.NoError(t, j.Record(0, 4096, "bb"))
	require.NoError(t, j.Flush())

	ranges, err := j.Ranges()
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	// Ordered by offset.
	assert.Equal(t, int64(0), ranges[0].Off)
	assert.Equal(t, "bb", ranges[0].Digest)
	assert.Equal(t, int64(4096), ranges[1].Off)
	assert.Equal(t, "aa", ranges[1].Digest)
}

func TestJournal_SurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stream.db")

	j, err := journal.Open(path, "/img/top.qcow2")
	require.NoError(t, err)
	require.NoError(t, j.Record(0, 1024, "cc"))
	require.NoError(t, j.Close())

	j2, err := journal.Open(path, "/img/top.qcow2")
	require.NoError(t, err)
	defer j2.Close()

	ranges, err := j2.Ranges()
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(1024), ranges[0].Length)
}

func TestJournal_RejectsForeignTarget(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stream.db")

	j, err := journal.Open(path, "/img/top.qcow2")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = journal.Open(path, "/img/other.qcow2")
	require.ErrorContains(t, err, "belongs to")
}

func TestJournal_RerecordReplacesDigest(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stream.db")

	j, err := journal.Open(path, "/img/top.qcow2")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(0, 4096, "old"))
	require.NoError(t, j.Flush())
	require.NoError(t, j.Record(0, 4096, "new"))

	ranges, err := j.Ranges()
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, "new", ranges[0].Digest)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	p := journal.DefaultPath("/img/top.qcow2")
	assert.True(t, strings.HasPrefix(p, "/run/user/1000/chainstream/"))
	assert.True(t, strings.HasSuffix(p, ".db"))

	// Deterministic per target, distinct across targets.
	assert.Equal(t, p, journal.DefaultPath("/img/top.qcow2"))
	assert.NotEqual(t, p, journal.DefaultPath("/img/other.qcow2"))
}
