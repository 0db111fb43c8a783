package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ChainLedger/internal/ledger"
)

// PostgresCheckpointSink persists checkpoint artifacts. A checkpoint is
// acknowledged only after the row is committed, which makes it a valid
// recovery baseline on its own.
type PostgresCheckpointSink struct {
	db *sql.DB
}

func NewPostgresCheckpointSink(db *sql.DB) *PostgresCheckpointSink {
	return &PostgresCheckpointSink{db: db}
}

// checkpointRecord is the serialized form of a checkpoint. Hashes are hex,
// the payload is the canonical serialization verbatim.
type checkpointRecord struct {
	CheckpointID  string          `json:"checkpoint_id"`
	Sequence      uint64          `json:"sequence"`
	ContentHash   string          `json:"content_hash"`
	ParentHash    *string         `json:"parent_hash,omitempty"`
	SchemaVersion string          `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (s *PostgresCheckpointSink) Save(ctx context.Context, cp *ledger.Checkpoint) error {
	payload, err := ledger.CanonicalPayload(cp.Snapshot.Payload)
	if err != nil {
		return fmt.Errorf("serialize checkpoint payload: %w", err)
	}

	rec := checkpointRecord{
		CheckpointID:  cp.CheckpointID.String(),
		Sequence:      cp.Sequence,
		ContentHash:   hex.EncodeToString(cp.ContentHash[:]),
		SchemaVersion: cp.Snapshot.SchemaVersion,
		Timestamp:     cp.Snapshot.Timestamp.UTC(),
		Payload:       json.RawMessage(payload),
		CreatedAt:     cp.CreatedAt.UTC(),
	}
	if !cp.Snapshot.IsGenesis() {
		parent := hex.EncodeToString(cp.Snapshot.ParentHash[:])
		rec.ParentHash = &parent
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// One artifact per sequence; re-checkpointing the same tail updates in
	// place instead of accumulating duplicates.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.checkpoints (sequence, checkpoint_id, content_hash, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET checkpoint_id = $2, content_hash = $3, data = $4, created_at = $5
	`, int64(cp.Sequence), cp.CheckpointID, cp.ContentHash[:], string(data), cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %d: %w", cp.Sequence, err)
	}
	return nil
}

func (s *PostgresCheckpointSink) Latest(ctx context.Context) (*ledger.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM ledger.checkpoints ORDER BY sequence DESC LIMIT 1
	`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}

	var rec checkpointRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return rec.toCheckpoint()
}

func (rec *checkpointRecord) toCheckpoint() (*ledger.Checkpoint, error) {
	id, err := uuid.Parse(rec.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint id: %w", err)
	}

	snap := &ledger.Snapshot{
		Sequence:      rec.Sequence,
		Timestamp:     rec.Timestamp,
		SchemaVersion: rec.SchemaVersion,
	}
	if err := decodeHexDigest(rec.ContentHash, &snap.ContentHash); err != nil {
		return nil, fmt.Errorf("checkpoint content hash: %w", err)
	}
	if rec.ParentHash != nil {
		if err := decodeHexDigest(*rec.ParentHash, &snap.ParentHash); err != nil {
			return nil, fmt.Errorf("checkpoint parent hash: %w", err)
		}
	}
	snap.Payload, err = DecodePayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("checkpoint payload: %w", err)
	}

	cp := &ledger.Checkpoint{
		CheckpointID: id,
		Sequence:     rec.Sequence,
		Snapshot:     snap,
		CreatedAt:    rec.CreatedAt,
	}
	cp.ContentHash = snap.ContentHash
	return cp, nil
}

func decodeHexDigest(s string, out *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("digest length %d, want %d", len(raw), len(out))
	}
	copy(out[:], raw)
	return nil
}
