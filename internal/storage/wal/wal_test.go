package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/nrunner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status.journal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestAppendAndReplay(t *testing.T) {
	w, path := newTestWAL(t)

	msgs := []string{
		`{"status":"started","id":"1-a","time":1}`,
		`{ "status" : "pass", "id":"1-a", "time":2 }`,
		`{"status":"started","id":"2-b","time":1}`,
	}
	for i, m := range msgs {
		id := types.TaskID("1-a")
		if i == 2 {
			id = "2-b"
		}
		require.NoError(t, w.Append(id, []byte(m), false))
	}
	assert.Equal(t, uint64(3), w.GetLastSeq())

	require.NoError(t, w.Flush())
	assert.Equal(t, path, w.Path())

	var got []Event
	require.NoError(t, ReplayFile(path, func(e Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, types.TaskID("2-b"), got[2].TaskID)
	assert.JSONEq(t, msgs[1], string(got[1].Message))
}

func TestAppendRejectsInvalidJSON(t *testing.T) {
	w, _ := newTestWAL(t)
	assert.Error(t, w.Append("1-a", []byte("not-json"), true))
	assert.Equal(t, uint64(0), w.GetLastSeq())
}

func TestReopenContinuesSequence(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append("1-a", []byte(`{"status":"started","id":"1-a","time":1}`), false))
	require.NoError(t, w.Append("1-a", []byte(`{"status":"pass","id":"1-a","time":2}`), false))
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.GetLastSeq())

	require.NoError(t, reopened.Append("2-b", []byte(`{"status":"started","id":"2-b","time":1}`), false))
	assert.Equal(t, uint64(3), reopened.GetLastSeq())

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, ValidateWAL(path))
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append("1-a", []byte(`{"status":"pass","id":"1-a","time":2}`), true))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"pass"`), []byte(`"fail"`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	err = ReplayFile(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
	assert.ErrorIs(t, ValidateWAL(path), ErrChecksumMismatch)
}

func TestCorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.journal")
	require.NoError(t, os.WriteFile(path, []byte("{broken\n"), 0644))

	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)

	_, err = NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestEmptyFile(t *testing.T) {
	_, path := newTestWAL(t)
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestClosedWAL(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close(), "second close is a no-op")
	assert.ErrorIs(t, w.Append("1-a", []byte(`{}`), true), ErrWALClosed)
	assert.ErrorIs(t, w.Flush(), ErrWALClosed)
}

func TestDumpWAL(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append("1-a", []byte(`{"status":"pass","id":"1-a","time":2}`), true))

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	assert.Contains(t, buf.String(), "[seq:1] 1-a")
	assert.NotContains(t, buf.String(), "CORRUPTED")
}
