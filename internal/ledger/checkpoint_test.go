package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"ChainLedger/internal/ledger"
)

// failingSink fails the first failures saves, then delegates to memory.
type failingSink struct {
	failures int
	inner    *ledger.MemoryCheckpointSink
}

func (s *failingSink) Save(ctx context.Context, cp *ledger.Checkpoint) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	return s.inner.Save(ctx, cp)
}

func (s *failingSink) Latest(ctx context.Context) (*ledger.Checkpoint, error) {
	return s.inner.Latest(ctx)
}

func TestCheckpointer_WritesOnInterval(t *testing.T) {
	sink := ledger.NewMemoryCheckpointSink()
	cp := ledger.NewCheckpointer(3, sink, zerolog.Nop())
	h := mustHasher(t, ledger.AlgoSHA256)
	ctx := context.Background()

	var parent [32]byte
	for seq := uint64(0); seq < 6; seq++ {
		snap := buildSnapshot(t, h, seq, parent, ledger.Payload{"step": int64(seq)})
		parent = snap.ContentHash

		written, err := cp.MaybeCheckpoint(ctx, snap)
		if err != nil {
			t.Fatalf("maybe checkpoint %d: %v", seq, err)
		}
		wantWrite := seq == 2 || seq == 5
		if written != wantWrite {
			t.Errorf("append %d: written=%v, want %v", seq, written, wantWrite)
		}
	}

	if sink.Saves() != 2 {
		t.Errorf("saves: got %d, want 2", sink.Saves())
	}
	latest, _ := sink.Latest(ctx)
	if latest == nil || latest.Sequence != 5 {
		t.Errorf("latest: got %v, want sequence 5", latest)
	}
	if cp.LastSequence() != 5 {
		t.Errorf("last sequence: got %d, want 5", cp.LastSequence())
	}
}

func TestCheckpointer_ExplicitCheckpointIsIdempotent(t *testing.T) {
	sink := ledger.NewMemoryCheckpointSink()
	cp := ledger.NewCheckpointer(100, sink, zerolog.Nop())
	h := mustHasher(t, ledger.AlgoSHA256)
	ctx := context.Background()

	tail := buildSnapshot(t, h, 0, [32]byte{}, ledger.Payload{"a": int64(1)})
	for i := 0; i < 3; i++ {
		if err := cp.Checkpoint(ctx, tail); err != nil {
			t.Fatalf("checkpoint %d: %v", i, err)
		}
	}

	// Repeated requests at the same tail produce a single artifact.
	if sink.Saves() != 1 {
		t.Errorf("saves: got %d, want 1", sink.Saves())
	}
}

func TestCheckpointer_IntervalNoopAtCheckpointedTail(t *testing.T) {
	sink := ledger.NewMemoryCheckpointSink()
	cp := ledger.NewCheckpointer(2, sink, zerolog.Nop())
	h := mustHasher(t, ledger.AlgoSHA256)
	ctx := context.Background()

	tail := buildSnapshot(t, h, 0, [32]byte{}, ledger.Payload{"a": int64(1)})
	if err := cp.Checkpoint(ctx, tail); err != nil {
		t.Fatalf("explicit checkpoint: %v", err)
	}

	// The interval fires while the tail is still the checkpointed
	// snapshot: no artifact, and no write reported.
	for i := 0; i < 2; i++ {
		written, err := cp.MaybeCheckpoint(ctx, tail)
		if err != nil {
			t.Fatalf("maybe checkpoint %d: %v", i, err)
		}
		if written {
			t.Errorf("call %d reported a write for an already checkpointed tail", i)
		}
	}
	if sink.Saves() != 1 {
		t.Errorf("saves: got %d, want 1", sink.Saves())
	}
}

func TestCheckpointer_NilTailIsNoop(t *testing.T) {
	sink := ledger.NewMemoryCheckpointSink()
	cp := ledger.NewCheckpointer(1, sink, zerolog.Nop())

	if err := cp.Checkpoint(context.Background(), nil); err != nil {
		t.Fatalf("checkpoint nil tail: %v", err)
	}
	if sink.Saves() != 0 {
		t.Errorf("saves: got %d, want 0", sink.Saves())
	}
}

func TestCheckpointer_RetriesAfterSinkFailure(t *testing.T) {
	sink := &failingSink{failures: 1, inner: ledger.NewMemoryCheckpointSink()}
	cp := ledger.NewCheckpointer(2, sink, zerolog.Nop())
	h := mustHasher(t, ledger.AlgoSHA256)
	ctx := context.Background()

	s0 := buildSnapshot(t, h, 0, [32]byte{}, ledger.Payload{"step": int64(0)})
	s1 := buildSnapshot(t, h, 1, s0.ContentHash, ledger.Payload{"step": int64(1)})
	s2 := buildSnapshot(t, h, 2, s1.ContentHash, ledger.Payload{"step": int64(2)})

	if written, err := cp.MaybeCheckpoint(ctx, s0); err != nil || written {
		t.Fatalf("append 0: got (%v, %v), want no write", written, err)
	}

	// Threshold reached but the sink is down: the error surfaces and the
	// counter stays armed.
	if _, err := cp.MaybeCheckpoint(ctx, s1); err == nil {
		t.Fatal("expected sink failure")
	}
	if cp.LastSequence() != -1 {
		t.Errorf("last sequence after failure: got %d, want -1", cp.LastSequence())
	}

	// Next append retries immediately.
	written, err := cp.MaybeCheckpoint(ctx, s2)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !written {
		t.Fatal("expected retry to write a checkpoint")
	}
	if cp.LastSequence() != 2 {
		t.Errorf("last sequence: got %d, want 2", cp.LastSequence())
	}
}

func TestCheckpointer_RestoreBaseline(t *testing.T) {
	sink := ledger.NewMemoryCheckpointSink()
	cp := ledger.NewCheckpointer(10, sink, zerolog.Nop())

	cp.RestoreBaseline(42)
	if cp.LastSequence() != 42 {
		t.Errorf("last sequence: got %d, want 42", cp.LastSequence())
	}
}

func TestCheckpointer_SnapshotIsDeepCopied(t *testing.T) {
	sink := ledger.NewMemoryCheckpointSink()
	cp := ledger.NewCheckpointer(1, sink, zerolog.Nop())
	h := mustHasher(t, ledger.AlgoSHA256)
	ctx := context.Background()

	tail := buildSnapshot(t, h, 0, [32]byte{}, ledger.Payload{"balance": int64(100)})
	if _, err := cp.MaybeCheckpoint(ctx, tail); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	// Mutating the live tail after the fact must not reach the artifact.
	tail.Payload["balance"] = int64(0)

	latest, _ := sink.Latest(ctx)
	if got := latest.Snapshot.Payload["balance"]; got != int64(100) {
		t.Errorf("checkpointed payload: got %v, want 100", got)
	}
}
