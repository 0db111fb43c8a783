package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ChainLedger/internal/ledger"
)

// PostgresStore is the durable ChainStore backend. Append commits inside a
// transaction that locks the chain tail, so a crash between hashing and
// persisting never leaves a partially written entry, and the primary key on
// sequence makes duplicate-sequence appends impossible.
//
// The payload column is TEXT holding the canonical serialization verbatim.
// JSONB would re-normalize number literals and key order, breaking hash
// reproducibility after a reload.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const snapshotColumns = `sequence, created_at, schema_version, payload, content_hash, parent_hash`

func (p *PostgresStore) Append(ctx context.Context, s *ledger.Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the tail row so concurrent appends serialize here; the PK on
	// sequence catches the genesis/genesis race the lock cannot see.
	var (
		lastSeq  int64
		lastHash []byte
		haveTail = true
	)
	err = tx.QueryRowContext(ctx, `
		SELECT sequence, content_hash FROM ledger.snapshots
		ORDER BY sequence DESC
		LIMIT 1
		FOR UPDATE
	`).Scan(&lastSeq, &lastHash)
	if err == sql.ErrNoRows {
		haveTail = false
	} else if err != nil {
		return fmt.Errorf("lock tail: %w", err)
	}

	if haveTail {
		if s.Sequence != uint64(lastSeq)+1 {
			return fmt.Errorf("%w: expected sequence %d, got %d", ledger.ErrChainLink, lastSeq+1, s.Sequence)
		}
		if !bytes.Equal(s.ParentHash[:], lastHash) {
			return fmt.Errorf("%w: parent hash does not match tail content hash at sequence %d", ledger.ErrChainLink, s.Sequence)
		}
	} else if s.Sequence != 0 {
		return fmt.Errorf("%w: genesis must have sequence 0, got %d", ledger.ErrChainLink, s.Sequence)
	} else if s.ParentHash != ([32]byte{}) {
		return fmt.Errorf("%w: genesis parent hash must be the zero digest", ledger.ErrChainLink)
	}

	if err := insertSnapshot(ctx, tx, s); err != nil {
		return err
	}

	// Commit is the durability point: append reports success only after
	// the record is flushed by Postgres.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, s *ledger.Snapshot) error {
	payload, err := ledger.CanonicalPayload(s.Payload)
	if err != nil {
		return err
	}

	var parent []byte
	if !s.IsGenesis() {
		parent = s.ParentHash[:]
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger.snapshots (sequence, created_at, schema_version, payload, content_hash, parent_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, int64(s.Sequence), s.Timestamp.UTC(), s.SchemaVersion, string(payload), s.ContentHash[:], parent)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: duplicate sequence %d", ledger.ErrChainLink, s.Sequence)
		}
		return fmt.Errorf("insert snapshot %d: %w", s.Sequence, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, sequence uint64) (*ledger.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM ledger.snapshots WHERE sequence = $1
	`, int64(sequence))

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: sequence %d", ledger.ErrNotFound, sequence)
	}
	return snap, err
}

func (p *PostgresStore) First(ctx context.Context) (*ledger.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT ` + snapshotColumns + ` FROM ledger.snapshots ORDER BY sequence ASC LIMIT 1
	`)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

func (p *PostgresStore) Tail(ctx context.Context) (*ledger.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT ` + snapshotColumns + ` FROM ledger.snapshots ORDER BY sequence DESC LIMIT 1
	`)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

func (p *PostgresStore) Length(ctx context.Context) (uint64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger.snapshots`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (p *PostgresStore) Prune(ctx context.Context, floor uint64) error {
	// Never prune the tail: the retention floor is clamped by the caller,
	// but the guard here keeps the store safe in isolation.
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM ledger.snapshots
		WHERE sequence < $1
		  AND sequence < (SELECT MAX(sequence) FROM ledger.snapshots)
	`, int64(floor))
	return err
}

func (p *PostgresStore) Reset(ctx context.Context, s *ledger.Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger.snapshots`); err != nil {
		return fmt.Errorf("clear chain: %w", err)
	}
	if err := insertSnapshot(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*ledger.Snapshot, error) {
	var (
		seq           int64
		createdAt     time.Time
		schemaVersion string
		payload       string
		contentHash   []byte
		parentHash    []byte
	)
	if err := row.Scan(&seq, &createdAt, &schemaVersion, &payload, &contentHash, &parentHash); err != nil {
		return nil, err
	}

	s := &ledger.Snapshot{
		Sequence:      uint64(seq),
		Timestamp:     createdAt.UTC(),
		SchemaVersion: schemaVersion,
	}
	copy(s.ContentHash[:], contentHash)
	copy(s.ParentHash[:], parentHash)

	fields, err := DecodePayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload at sequence %d: %w", seq, err)
	}
	s.Payload = fields
	return s, nil
}

// DecodePayload parses stored canonical payload bytes. Numbers decode as
// json.Number so re-canonicalization reproduces the hashed bytes exactly.
func DecodePayload(data []byte) (ledger.Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return ledger.Payload(fields), nil
}
