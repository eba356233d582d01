package coordinator

import (
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// ParticipantStatus is the coordinator's view of one registered worker.
type ParticipantStatus struct {
	ProcessID   ir.ProcessID      `json:"process_id"`
	Restart     bool              `json:"restart"`
	LastSeen    time.Time         `json:"last_seen"`
	Phase       ir.Phase          `json:"phase"`
	Connections []ir.ConnectionID `json:"connections,omitempty"`
	Threads     []ir.ThreadID     `json:"threads,omitempty"`
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	Session      string                `json:"session"`
	Phase        ir.Phase              `json:"phase"`
	Kind         string                `json:"kind"`
	Epoch        uint64                `json:"epoch"`
	CheckpointID string                `json:"checkpoint_id,omitempty"`
	Participants []ParticipantStatus   `json:"participants"`
	Pending      []ir.ProcessID        `json:"pending,omitempty"`
	History      []ir.BarrierEvent     `json:"history"`
	Checkpoints  []ir.CheckpointRecord `json:"checkpoints,omitempty"`
}

// Status returns the latest snapshot published by the loop.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// publishStatus rebuilds the snapshot. Called only from the loop (and New).
func (c *Coordinator) publishStatus() {
	s := Status{
		Session:      c.session,
		Phase:        c.barrier.Phase(),
		Epoch:        c.barrier.Epoch(),
		Participants: make([]ParticipantStatus, 0, len(c.participants)),
		History:      append([]ir.BarrierEvent(nil), c.history...),
	}
	if s.Phase != ir.PhaseIdle {
		s.Kind = c.barrier.Kind().String()
		s.CheckpointID = c.checkpointID
		s.Pending = c.barrier.Pending()
	}
	for _, pid := range c.participantIDs() {
		p := c.participants[pid]
		s.Participants = append(s.Participants, ParticipantStatus{
			ProcessID:   pid,
			Restart:     p.restart,
			LastSeen:    p.lastSeen,
			Phase:       p.record.Phase,
			Connections: p.record.Connections,
			Threads:     p.record.Threads,
		})
	}

	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}
