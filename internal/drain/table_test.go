package drain

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

func tablePair(t *testing.T, names ...string) (*Table, *Table) {
	t.Helper()
	ta, tb := NewTable(nil), NewTable(nil)
	for _, name := range names {
		left, right := net.Pipe()
		require.NoError(t, ta.Add(New(name, "a", "b", left)))
		require.NoError(t, tb.Add(New(name, "b", "a", right)))
	}
	t.Cleanup(func() {
		ta.CloseAll()
		tb.CloseAll()
	})
	return ta, tb
}

func TestTable_AddRejectsDuplicateKey(t *testing.T) {
	ta, _ := tablePair(t, "x")
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()
	assert.Error(t, ta.Add(New("x", "a", "b", left)))
}

func TestTable_ListSortedByKey(t *testing.T) {
	ta, _ := tablePair(t, "zeta", "alpha", "mid")

	var keys []string
	for _, c := range ta.List() {
		keys = append(keys, c.Key())
	}
	assert.Equal(t, []string{"alpha/a/b", "mid/a/b", "zeta/a/b"}, keys)
	assert.Len(t, ta.IDs(), 3)
}

func TestTable_DrainSnapshotResume(t *testing.T) {
	ta, tb := tablePair(t, "one", "two")

	errs := make(chan error, 2)
	go func() { errs <- ta.DrainAll(context.Background(), 3, fastPolicy()) }()
	go func() { errs <- tb.DrainAll(context.Background(), 3, fastPolicy()) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	states, err := ta.Snapshot()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "one", states[0].Name)
	assert.Equal(t, "two", states[1].Name)

	require.NoError(t, ta.ResumeAll())
	require.NoError(t, tb.ResumeAll())
	for _, id := range ta.IDs() {
		assert.Equal(t, ir.DrainLive, id.DrainState)
	}
}

func TestTable_SnapshotRequiresDrained(t *testing.T) {
	ta, _ := tablePair(t, "one")
	_, err := ta.Snapshot()
	assert.Error(t, err)
}

func TestTable_Remove(t *testing.T) {
	ta, _ := tablePair(t, "one")
	ta.Remove("one/a/b")
	_, ok := ta.Get("one/a/b")
	assert.False(t, ok)
}

func drainTables(t *testing.T, epoch uint64, tables ...*Table) {
	t.Helper()
	errs := make(chan error, len(tables))
	for _, tbl := range tables {
		tbl := tbl
		go func() { errs <- tbl.DrainAll(context.Background(), epoch, fastPolicy()) }()
	}
	for range tables {
		require.NoError(t, <-errs)
	}
}

func TestTable_TornDownConnectionIsForgotten(t *testing.T) {
	ta, tb := tablePair(t, "keep", "gone")
	gone, ok := ta.Get("gone/a/b")
	require.True(t, ok)

	require.NoError(t, gone.Close())
	_, ok = ta.Get("gone/a/b")
	assert.False(t, ok, "local close removes the connection")
	require.Eventually(t, func() bool {
		_, ok := tb.Get("gone/a/b")
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "peer close removes the connection")

	for epoch := uint64(1); epoch <= 2; epoch++ {
		drainTables(t, epoch, ta, tb)
		states, err := ta.Snapshot()
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, "keep", states[0].Name)
		require.NoError(t, ta.ResumeAll())
		require.NoError(t, tb.ResumeAll())
	}
	assert.Len(t, ta.List(), 1)
	assert.Len(t, tb.List(), 1)
}

func TestTable_RemoveThenReAddSameKey(t *testing.T) {
	ta, _ := tablePair(t, "one")
	old, ok := ta.Get("one/a/b")
	require.True(t, ok)
	ta.Remove("one/a/b")

	left, right := net.Pipe()
	t.Cleanup(func() { right.Close() })
	fresh := New("one", "a", "b", left)
	require.NoError(t, ta.Add(fresh))

	// Closing the removed connection again leaves its replacement alone.
	require.NoError(t, old.Close())
	got, ok := ta.Get("one/a/b")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestTable_DrainFailureEvents(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(slog.New(slog.NewJSONHandler(&buf, nil)))

	left, right := net.Pipe()
	go io.Copy(io.Discard, right)
	t.Cleanup(func() {
		tbl.CloseAll()
		right.Close()
	})
	require.NoError(t, tbl.Add(New("silent", "a", "b", left)))
	require.NoError(t, tbl.Add(NewRestoring("a", ConnState{Name: "pending", PeerProcessID: "c"})))

	err := tbl.DrainAll(context.Background(), 1, Policy{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Deadline: 60 * time.Millisecond, WarnEvery: 100})
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, `"event":"drain_timeout","conn":"silent/a/b"`)
	assert.Contains(t, out, `"event":"drain_failed","conn":"pending/a/c"`)
}
