package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"ChainLedger/internal/ledger"
	"ChainLedger/internal/persistence"
	"ChainLedger/internal/testutil"
)

func TestPostgresCheckpointSink_SaveAndLatest(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	sink := persistence.NewPostgresCheckpointSink(db)
	h := newStoreHasher(t)
	ctx := context.Background()

	if latest, err := sink.Latest(ctx); err != nil || latest != nil {
		t.Fatalf("latest on empty table: got (%v, %v), want (nil, nil)", latest, err)
	}

	genesis := finalized(t, h, 0, [32]byte{}, ledger.Payload{"step": int64(0)})
	tail := finalized(t, h, 1, genesis.ContentHash, ledger.Payload{
		"step":    int64(1),
		"balance": int64(9007199254740993),
	})

	cp := &ledger.Checkpoint{
		CheckpointID: uuid.New(),
		Sequence:     tail.Sequence,
		ContentHash:  tail.ContentHash,
		Snapshot:     tail.Clone(),
		CreatedAt:    time.UnixMicro(1700000001000000).UTC(),
	}
	if err := sink.Save(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	latest, err := sink.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.CheckpointID != cp.CheckpointID {
		t.Errorf("checkpoint id: got %v, want %v", latest.CheckpointID, cp.CheckpointID)
	}
	if latest.Sequence != 1 || latest.ContentHash != tail.ContentHash {
		t.Errorf("latest: got seq %d, want 1 with matching hash", latest.Sequence)
	}

	// The checkpointed snapshot must survive storage well enough to pass
	// the restore path's self-hash re-verification.
	recomputed, err := h.HashSnapshot(latest.Snapshot)
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if recomputed != latest.Snapshot.ContentHash {
		t.Error("reloaded checkpoint snapshot does not reproduce its content hash")
	}
}

func TestPostgresCheckpointSink_UpsertsPerSequence(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	sink := persistence.NewPostgresCheckpointSink(db)
	h := newStoreHasher(t)
	ctx := context.Background()

	tail := finalized(t, h, 0, [32]byte{}, ledger.Payload{"a": int64(1)})
	for i := 0; i < 3; i++ {
		cp := &ledger.Checkpoint{
			CheckpointID: uuid.New(),
			Sequence:     tail.Sequence,
			ContentHash:  tail.ContentHash,
			Snapshot:     tail.Clone(),
			CreatedAt:    time.Now().UTC(),
		}
		if err := sink.Save(ctx, cp); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	var rows int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger.checkpoints`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("rows: got %d, want 1 (one artifact per sequence)", rows)
	}
}

func TestPostgresCheckpointSink_LatestPicksHighestSequence(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	sink := persistence.NewPostgresCheckpointSink(db)
	h := newStoreHasher(t)
	ctx := context.Background()

	var parent [32]byte
	for seq := uint64(0); seq < 3; seq++ {
		snap := finalized(t, h, seq, parent, ledger.Payload{"step": int64(seq)})
		parent = snap.ContentHash
		cp := &ledger.Checkpoint{
			CheckpointID: uuid.New(),
			Sequence:     seq,
			ContentHash:  snap.ContentHash,
			Snapshot:     snap,
			CreatedAt:    time.Now().UTC(),
		}
		if err := sink.Save(ctx, cp); err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}

	latest, err := sink.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sequence != 2 {
		t.Errorf("latest sequence: got %d, want 2", latest.Sequence)
	}
}
