package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/lockstep/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// entries builds a gapless run of entries for one thread.
func entries(thread ir.ThreadID, from, n int64) []ir.LogEntry {
	out := make([]ir.LogEntry, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, ir.LogEntry{
			ThreadID: thread,
			Seq:      i,
			Kind:     ir.KindSyscallResult,
			Payload:  []byte{byte(i)},
		})
	}
	return out
}
