package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"ChainLedger/internal/ledger"
)

// RecoverStore reconstructs a usable durable store on startup: every record
// is read in strict sequence order, out-of-order or gapped rows are rejected,
// and the full hash chain is re-verified before the store is handed to the
// Manager. A failed verification is fatal to this store instance; the host
// must decide what to do (restore from checkpoint, halt, alert), it is never
// silently ignored.
func RecoverStore(ctx context.Context, db *sql.DB, hasher *ledger.Hasher, log zerolog.Logger) (*PostgresStore, error) {
	store := NewPostgresStore(db)

	rows, err := db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM ledger.snapshots ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("scan chain: %w", err)
	}
	defer rows.Close()

	var (
		count          uint64
		prevSeq        uint64
		prevRecomputed [32]byte
		havePrev       bool
	)

	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("read snapshot record: %w", err)
		}

		if havePrev && snap.Sequence != prevSeq+1 {
			return nil, fmt.Errorf("chain verification failed: sequence gap, expected %d got %d", prevSeq+1, snap.Sequence)
		}

		recomputed, err := hasher.HashSnapshot(snap)
		if err != nil {
			return nil, fmt.Errorf("chain verification failed at sequence %d: %w", snap.Sequence, err)
		}
		if recomputed != snap.ContentHash {
			return nil, fmt.Errorf("chain verification failed at sequence %d: hash mismatch", snap.Sequence)
		}
		if snap.IsGenesis() && snap.ParentHash != ([32]byte{}) {
			return nil, fmt.Errorf("chain verification failed at sequence 0: genesis parent hash is not the zero digest")
		}
		if havePrev && snap.ParentHash != prevRecomputed {
			return nil, fmt.Errorf("chain verification failed at sequence %d: chain broken", snap.Sequence)
		}

		prevSeq = snap.Sequence
		prevRecomputed = recomputed
		havePrev = true
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan chain: %w", err)
	}

	if count == 0 {
		log.Info().Msg("empty chain, cold start")
	} else {
		log.Info().
			Uint64("snapshots", count).
			Uint64("tail_sequence", prevSeq).
			Msg("chain recovered and verified")
	}
	return store, nil
}
