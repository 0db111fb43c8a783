package ledger

import (
	"context"
	"fmt"
	"sync"
)

// ChainStore holds the ordered, append-only sequence of snapshots.
// Append is the sole mutation entry point for normal operation; Reset and
// Prune exist only for the restore and retention paths driven by the Manager.
//
// Snapshots returned by Get, First and Tail are owned by the store and must
// be treated as read-only by callers.
type ChainStore interface {
	// Append accepts a snapshot only if its sequence number is last+1
	// (or 0 for genesis) and its parent hash matches the tail's content
	// hash (or is the zero digest for genesis). Violations fail with
	// ErrChainLink. A durable implementation commits before returning.
	Append(ctx context.Context, s *Snapshot) error

	// Get returns the snapshot at a sequence number, or ErrNotFound if it
	// is outside the retained range.
	Get(ctx context.Context, sequence uint64) (*Snapshot, error)

	// First returns the oldest retained snapshot, or nil on an empty chain.
	First(ctx context.Context) (*Snapshot, error)

	// Tail returns the most recent snapshot, or nil on an empty chain.
	Tail(ctx context.Context) (*Snapshot, error)

	// Length returns the number of snapshots currently retained.
	Length(ctx context.Context) (uint64, error)

	// Prune discards snapshots with sequence numbers strictly below floor.
	// The Manager only calls this for sequences already covered by a
	// durable checkpoint and outside the retention window.
	Prune(ctx context.Context, floor uint64) error

	// Reset replaces the chain contents above and including the given
	// snapshot's position, making it the new tail. Recovery path only,
	// reached exclusively through Manager.Restore after hash re-verification.
	Reset(ctx context.Context, s *Snapshot) error
}

// MemoryStore is the in-memory ChainStore. Reads take a shared lock so they
// never wait on an append for longer than the slice bookkeeping itself.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps []*Snapshot
	base  uint64 // sequence number of snaps[0]
}

// NewMemoryStore returns an empty in-memory chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.snaps) == 0 {
		// Accepting a non-zero first sequence supports resuming after a
		// Reset or a checkpoint-based cold start.
		if m.base == 0 && s.Sequence != 0 {
			return fmt.Errorf("%w: genesis must have sequence 0, got %d", ErrChainLink, s.Sequence)
		}
		if m.base != 0 && s.Sequence != m.base {
			return fmt.Errorf("%w: expected sequence %d after reset, got %d", ErrChainLink, m.base, s.Sequence)
		}
		if s.IsGenesis() && s.ParentHash != ([32]byte{}) {
			return fmt.Errorf("%w: genesis parent hash must be the zero digest", ErrChainLink)
		}
		m.base = s.Sequence
		m.snaps = append(m.snaps, s)
		return nil
	}

	last := m.snaps[len(m.snaps)-1]
	if s.Sequence != last.Sequence+1 {
		return fmt.Errorf("%w: expected sequence %d, got %d", ErrChainLink, last.Sequence+1, s.Sequence)
	}
	if s.ParentHash != last.ContentHash {
		return fmt.Errorf("%w: parent hash does not match tail content hash at sequence %d", ErrChainLink, s.Sequence)
	}

	m.snaps = append(m.snaps, s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sequence uint64) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.snaps) == 0 || sequence < m.base {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
	}
	idx := sequence - m.base
	if idx >= uint64(len(m.snaps)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
	}
	return m.snaps[idx], nil
}

func (m *MemoryStore) First(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snaps) == 0 {
		return nil, nil
	}
	return m.snaps[0], nil
}

func (m *MemoryStore) Tail(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snaps) == 0 {
		return nil, nil
	}
	return m.snaps[len(m.snaps)-1], nil
}

func (m *MemoryStore) Length(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.snaps)), nil
}

func (m *MemoryStore) Prune(ctx context.Context, floor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.snaps) == 0 || floor <= m.base {
		return nil
	}
	drop := floor - m.base
	if drop >= uint64(len(m.snaps)) {
		// Never prune the tail; the chain must stay non-empty.
		drop = uint64(len(m.snaps)) - 1
	}
	m.snaps = append([]*Snapshot(nil), m.snaps[drop:]...)
	m.base += drop
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snaps = []*Snapshot{s}
	m.base = s.Sequence
	return nil
}
