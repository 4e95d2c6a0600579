package chatlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, true)

	ts1 := time.Date(2024, 5, 1, 14, 3, 22, 0, time.UTC)
	ts2 := ts1.Add(45 * time.Second)

	l.Append("!aaaa0001", "alice", "hello there", ts1)
	l.Append("!aaaa0001", "bob", "hi: with a colon", ts2)

	entries := l.Load("!aaaa0001")
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Timestamp.Equal(ts1))
	assert.Equal(t, "alice", entries[0].Sender)
	assert.Equal(t, "hello there", entries[0].Text)

	assert.True(t, entries[1].Timestamp.Equal(ts2))
	assert.Equal(t, "bob", entries[1].Sender)
	assert.Equal(t, "hi: with a colon", entries[1].Text, "text keeps embedded colons intact")
}

func TestLoadSkipsUnparseableLines(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, true)

	ts := time.Date(2024, 5, 1, 14, 3, 22, 0, time.UTC)
	l.Append("buddy", "alice", "first", ts)

	// Corrupt the file in the middle.
	path := l.Path("buddy")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("this is not a log line\n[garbage ts] x: y\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l.Append("buddy", "bob", "last", ts.Add(time.Minute))

	entries := l.Load("buddy")
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Text)
	assert.Equal(t, "last", entries[1].Text)
}

func TestFilenameSanitization(t *testing.T) {
	l := New("/logs", true)

	path := l.Path(`!ab/cd\ef:gh`)
	assert.Equal(t, filepath.Join("/logs", "_ab_cd_ef_gh.log"), path)
}

func TestDisabledLoggerIsNoOp(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, false)

	l.Append("buddy", "alice", "should not exist", time.Now())

	assert.False(t, l.Enabled())
	assert.Empty(t, l.Load("buddy"))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLoadMissingFile(t *testing.T) {
	l := New(t.TempDir(), true)
	assert.Empty(t, l.Load("nobody"))
}

func TestMultilineTextStaysOnOneLine(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, true)
	ts := time.Date(2024, 5, 1, 14, 3, 22, 0, time.UTC)

	l.Append("buddy", "alice", "line one\nline two", ts)

	entries := l.Load("buddy")
	require.Len(t, entries, 1)
	assert.Equal(t, "line one line two", entries[0].Text)
}
