package tracelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRead(t *testing.T) {
	l := New(t.TempDir())
	l.Record("exec-1", ExecutionStarted, -1, map[string]any{"chainId": "c1"})
	l.Record("exec-1", StepRunning, 0, nil)
	l.Record("exec-2", StepRunning, 0, nil)

	entries, err := l.Read("exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ExecutionStarted, entries[0].Event)
	assert.Nil(t, entries[0].Step)
	assert.Equal(t, "c1", entries[0].Fields["chainId"])
	require.NotNil(t, entries[1].Step)
	assert.Equal(t, 0, *entries[1].Step)
}

func TestReadUnknownExecution(t *testing.T) {
	l := New(t.TempDir())
	entries, err := l.Read("nope")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecutionIDIsSanitized(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	l.Record("../../etc/passwd", StepFailed, 1, nil)

	_, err := os.Stat(filepath.Join(dir, ".._.._etc_passwd.jsonl"))
	require.NoError(t, err)
	entries, err := l.Read("../../etc/passwd")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
