package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Checkpoint is a durable materialization of the chain tail. Together with
// the snapshots appended after it, a checkpoint is sufficient to reconstruct
// current state without replaying from genesis.
type Checkpoint struct {
	CheckpointID uuid.UUID `json:"checkpoint_id"`
	Sequence     uint64    `json:"sequence"`
	ContentHash  [32]byte  `json:"content_hash"`
	Snapshot     *Snapshot `json:"snapshot"`
	CreatedAt    time.Time `json:"created_at"`
}

// CheckpointSink persists checkpoint artifacts. Save must be durable before
// returning nil; Latest returns nil when no checkpoint exists.
type CheckpointSink interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context) (*Checkpoint, error)
}

// DefaultCheckpointInterval is the append count between checkpoints.
const DefaultCheckpointInterval = 100

// Checkpointer writes a checkpoint every interval appends or on explicit
// request. Checkpointing is an optimization, not a correctness requirement:
// the Manager reports sink failures but never fails the triggering append.
type Checkpointer struct {
	mu        sync.Mutex
	interval  uint64
	sinceLast uint64
	lastSeq   int64 // -1 until the first checkpoint
	sink      CheckpointSink
	log       zerolog.Logger
	now       func() time.Time
}

func NewCheckpointer(interval uint64, sink CheckpointSink, log zerolog.Logger) *Checkpointer {
	if interval == 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpointer{
		interval: interval,
		lastSeq:  -1,
		sink:     sink,
		log:      log,
		now:      time.Now,
	}
}

// MaybeCheckpoint counts the append and writes a checkpoint once the interval
// threshold is reached. Returns whether a checkpoint was actually written; a
// tail that is already checkpointed reports false. On sink failure the counter
// is not reset, so the write is retried on the next append.
func (c *Checkpointer) MaybeCheckpoint(ctx context.Context, tail *Snapshot) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sinceLast++
	if c.sinceLast < c.interval {
		return false, nil
	}
	return c.write(ctx, tail)
}

// Checkpoint writes a checkpoint immediately, regardless of the interval.
// Idempotent: a second call with the same tail produces no duplicate artifact.
func (c *Checkpointer) Checkpoint(ctx context.Context, tail *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.write(ctx, tail)
	return err
}

func (c *Checkpointer) write(ctx context.Context, tail *Snapshot) (bool, error) {
	if tail == nil {
		return false, nil
	}
	if c.lastSeq >= 0 && uint64(c.lastSeq) == tail.Sequence {
		// Already checkpointed at this sequence, typically after an
		// explicit checkpoint. Restart the interval from here.
		c.sinceLast = 0
		return false, nil
	}

	cp := &Checkpoint{
		CheckpointID: uuid.New(),
		Sequence:     tail.Sequence,
		ContentHash:  tail.ContentHash,
		Snapshot:     tail.Clone(),
		CreatedAt:    c.now().UTC(),
	}

	if err := c.sink.Save(ctx, cp); err != nil {
		return false, err
	}

	c.lastSeq = int64(tail.Sequence)
	c.sinceLast = 0
	c.log.Info().
		Uint64("sequence", cp.Sequence).
		Str("checkpoint_id", cp.CheckpointID.String()).
		Msg("checkpoint written")
	return true, nil
}

// LastSequence returns the sequence of the newest acknowledged checkpoint,
// or -1 when none exists.
func (c *Checkpointer) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// RestoreBaseline primes the checkpointer after recovery so the interval
// counts from the recovered checkpoint, not from process start.
func (c *Checkpointer) RestoreBaseline(sequence uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeq = int64(sequence)
	c.sinceLast = 0
}

// MemoryCheckpointSink keeps the latest checkpoint in memory. Used by tests
// and by hosts that opt out of durable checkpointing.
type MemoryCheckpointSink struct {
	mu     sync.Mutex
	latest *Checkpoint
	saves  int
}

func NewMemoryCheckpointSink() *MemoryCheckpointSink {
	return &MemoryCheckpointSink{}
}

func (s *MemoryCheckpointSink) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = cp
	s.saves++
	return nil
}

func (s *MemoryCheckpointSink) Latest(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

// Saves returns how many checkpoint artifacts were written.
func (s *MemoryCheckpointSink) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
