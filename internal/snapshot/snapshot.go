// Package snapshot is the boundary to the memory-image snapshot
// collaborator.
//
// Producing a process image is outside lockstep. What lockstep owns is the
// manifest written alongside it: the position of every thread log and the
// drained state of every connection, which is everything a restarted
// process needs to resume its log and rebuild its peers.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/roach88/lockstep/internal/drain"
	"github.com/roach88/lockstep/internal/ir"
)

// Manifest is the checkpoint-visible state of one process.
type Manifest struct {
	CheckpointID string              `json:"checkpoint_id"`
	ProcessID    ir.ProcessID        `json:"process_id"`
	Epoch        uint64              `json:"epoch"`
	Mode         string              `json:"mode"`
	Threads      []ir.ThreadPosition `json:"threads"`
	Connections  []drain.ConnState   `json:"connections"`
}

// Positions returns the per-thread next seq recorded in the manifest.
func (m Manifest) Positions() map[ir.ThreadID]int64 {
	out := make(map[ir.ThreadID]int64, len(m.Threads))
	for _, tp := range m.Threads {
		out[tp.ThreadID] = tp.Next
	}
	return out
}

// Request asks the collaborator to snapshot a drained, flushed process.
type Request struct {
	CheckpointID string
	ProcessID    ir.ProcessID
	Epoch        uint64
	Manifest     Manifest
}

// Outcome reports the snapshot result. A nil Err means complete.
type Outcome struct {
	Path string
	Err  error
}

// Snapshotter is the snapshot collaborator. The returned channel delivers
// exactly one Outcome.
type Snapshotter interface {
	RequestSnapshot(ctx context.Context, req Request) <-chan Outcome
}

// Func adapts a function to Snapshotter; it runs on its own goroutine.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) RequestSnapshot(ctx context.Context, req Request) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		path, err := f(ctx, req)
		ch <- Outcome{Path: path, Err: err}
	}()
	return ch
}

// Dir writes manifests under a checkpoint directory:
//
//	<root>/<checkpoint id>/<process id>.json
type Dir struct {
	Root string
}

// NewDir returns a Dir snapshotter rooted at root.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) RequestSnapshot(ctx context.Context, req Request) <-chan Outcome {
	return Func(func(ctx context.Context, req Request) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		path, err := d.path(req.CheckpointID, req.ProcessID)
		if err != nil {
			return "", err
		}
		if err := writeManifest(path, req.Manifest); err != nil {
			return "", fmt.Errorf("snapshot %s: %w", req.ProcessID, err)
		}
		return path, nil
	}).RequestSnapshot(ctx, req)
}

// Load reads the manifest process wrote for checkpointID.
func (d *Dir) Load(checkpointID string, process ir.ProcessID) (Manifest, error) {
	path, err := d.path(checkpointID, process)
	if err != nil {
		return Manifest{}, err
	}
	return readManifest(path)
}

func (d *Dir) path(checkpointID string, process ir.ProcessID) (string, error) {
	if err := safeName(checkpointID); err != nil {
		return "", fmt.Errorf("checkpoint id: %w", err)
	}
	if err := safeName(string(process)); err != nil {
		return "", fmt.Errorf("process id: %w", err)
	}
	return filepath.Join(d.Root, checkpointID, string(process)+".json"), nil
}

func safeName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid path component %q", s)
	}
	return nil
}
