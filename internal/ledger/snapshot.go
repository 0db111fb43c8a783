package ledger

import (
	"encoding/hex"
	"time"
)

// SchemaVersionV1 is the current payload schema tag.
const SchemaVersionV1 = "1.0"

// Payload carries the host application's state fields. The ledger treats it
// as an atomic, opaque unit: values are only inspected during canonical
// serialization for hashing. Supported value types are nil, bool, string,
// integers, finite floats, time.Time, []byte, []any and nested
// map[string]any / Payload.
type Payload map[string]any

// Snapshot is an immutable, content-hashed record of system state at one
// point in the chain. Once appended it is never updated or deleted;
// corrections are expressed as later snapshots.
type Snapshot struct {
	// Sequence is gap-free and strictly increasing by 1 per append.
	Sequence uint64

	// Timestamp is for audit display only. It is hashed as a declared field
	// but never used for ordering.
	Timestamp time.Time

	// SchemaVersion tags the payload layout for forward-compatible evolution.
	SchemaVersion string

	// Payload is the opaque domain state.
	Payload Payload

	// ContentHash is the digest over all other fields, computed exactly once
	// when the snapshot is finalized, before it enters the chain.
	ContentHash [32]byte

	// ParentHash is the ContentHash of the preceding snapshot. The zero
	// digest marks genesis (persisted as NULL).
	ParentHash [32]byte
}

// IsGenesis reports whether the snapshot is the first in its chain.
func (s *Snapshot) IsGenesis() bool {
	return s.Sequence == 0
}

// ShortHash returns a truncated hex form of the content hash for audit display.
func (s *Snapshot) ShortHash() string {
	return hex.EncodeToString(s.ContentHash[:8])
}

// Clone returns a deep copy of the snapshot. Values of unsupported payload
// types are shared; they would be rejected by the hasher anyway.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	cp.Payload = clonePayload(s.Payload)
	return &cp
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Payload:
		return clonePayload(x)
	case map[string]any:
		return map[string]any(clonePayload(Payload(x)))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out
	default:
		return v
	}
}

// AuditEntry is one row of the observability view over the chain tail.
// It deliberately exposes no raw internal structures.
type AuditEntry struct {
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	ShortHash     string    `json:"short_hash"`
	SchemaVersion string    `json:"schema_version"`
	Summary       string    `json:"summary"`
}

// AppendNotice is the outbound notification emitted after a snapshot is
// appended, consumed by the stream announcer for downstream subscribers.
type AppendNotice struct {
	Sequence      uint64    `json:"sequence"`
	ContentHash   string    `json:"content_hash"`
	ParentHash    *string   `json:"parent_hash,omitempty"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	ChainLength   uint64    `json:"chain_length"`
}

// NoticeFor builds the outbound notice for an appended snapshot.
func NoticeFor(s *Snapshot, chainLength uint64) AppendNotice {
	n := AppendNotice{
		Sequence:      s.Sequence,
		ContentHash:   hex.EncodeToString(s.ContentHash[:]),
		SchemaVersion: s.SchemaVersion,
		Timestamp:     s.Timestamp,
		ChainLength:   chainLength,
	}
	if !s.IsGenesis() {
		parent := hex.EncodeToString(s.ParentHash[:])
		n.ParentHash = &parent
	}
	return n
}
