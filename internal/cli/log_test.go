package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/eventlog"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/replay"
	"github.com/roach88/lockstep/internal/store"
)

func outcomePayload(t *testing.T, o replay.Outcome) []byte {
	t.Helper()
	b, err := replay.EncodeOutcome(o)
	require.NoError(t, err)
	return b
}

// seedLog writes a two-thread log for w1 and returns the database path.
func seedLog(t *testing.T, entries []ir.LogEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "w1.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.AppendEntries(context.Background(), "w1", entries))
	return path
}

func defaultEntries(t *testing.T) []ir.LogEntry {
	return []ir.LogEntry{
		{ThreadID: 0, Seq: 0, Kind: ir.KindSyscallResult, Payload: outcomePayload(t, replay.Outcome{Value: 5})},
		{ThreadID: 0, Seq: 1, Kind: ir.KindTimingValue, Payload: outcomePayload(t, replay.Outcome{Value: 1000})},
		{ThreadID: 1, Seq: 0, Kind: ir.KindSyscallResult, Payload: outcomePayload(t, replay.Outcome{Value: -1, Errno: 11, Data: []byte("abc")})},
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestLogDump_Text(t *testing.T) {
	db := seedLog(t, defaultEntries(t))

	out, err := execute(t, "log", "dump", "--db", db)
	require.NoError(t, err)
	assert.Equal(t,
		"w1 thread=0 seq=0 syscall-result value=5\n"+
			"w1 thread=0 seq=1 timing-value value=1000\n"+
			"w1 thread=1 seq=0 syscall-result value=-1 errno=11 data=3B\n",
		out)
}

func TestLogDump_JSON(t *testing.T) {
	db := seedLog(t, defaultEntries(t))

	out, err := execute(t, "--format", "json", "log", "dump", "--db", db, "--process", "w1")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   []DumpEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 3)
	assert.Equal(t, ir.KindTimingValue, resp.Data[1].Kind)
	assert.Equal(t, int64(1000), resp.Data[1].Value)
	assert.Equal(t, int32(11), resp.Data[2].Errno)
}

func TestLogDump_MissingDatabase(t *testing.T) {
	_, err := execute(t, "log", "dump", "--db", filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLogVerify_Intact(t *testing.T) {
	db := seedLog(t, defaultEntries(t))

	out, err := execute(t, "log", "verify", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 3 entries in 1 processes")
}

func TestLogVerify_Gap(t *testing.T) {
	// A thread with no durable rows may start past zero; verify still
	// expects every thread from seq 0.
	db := seedLog(t, []ir.LogEntry{
		{ThreadID: 2, Seq: 3, Kind: ir.KindSignalDelivery, Payload: outcomePayload(t, replay.Outcome{})},
	})

	out, err := execute(t, "log", "verify", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), CodeLogIntegrity)
	assert.Contains(t, out, "PROBLEM thread 2 seq 3: gap: expected seq 0")
}

func TestLogVerify_ChecksumMismatch(t *testing.T) {
	db := seedLog(t, defaultEntries(t))
	st, err := store.Open(db)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE log_entries SET checksum = 0 WHERE thread_id = 1`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "--format", "json", "log", "verify", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Data VerifyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Contains(t, resp.Data.Corrupt["w1"], "checksum")
}

func TestLogExport_RoundTrip(t *testing.T) {
	entries := defaultEntries(t)
	db := seedLog(t, entries)
	file := filepath.Join(t.TempDir(), "w1.lslog")

	out, err := execute(t, "log", "export", "--db", db, "--process", "w1", "--out", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 3 entries of w1")

	fh, err := os.Open(file)
	require.NoError(t, err)
	defer fh.Close()
	decoded, err := eventlog.DecodeAll(fh)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)

	out, err = execute(t, "log", "verify", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 3 entries")
}

func TestLogVerify_TruncatedFile(t *testing.T) {
	db := seedLog(t, defaultEntries(t))
	file := filepath.Join(t.TempDir(), "w1.lslog")
	_, err := execute(t, "log", "export", "--db", db, "--process", "w1", "--out", file)
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, data[:len(data)-3], 0o644))

	out, err := execute(t, "log", "verify", "--file", file)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "CORRUPT")
}

func TestLogVerify_RequiresSource(t *testing.T) {
	_, err := execute(t, "log", "verify")
	require.Error(t, err)
}
