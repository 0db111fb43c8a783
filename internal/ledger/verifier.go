package ledger

import (
	"context"
	"fmt"
)

// VerifyReason classifies a verification finding.
type VerifyReason int

const (
	VerifyOK VerifyReason = iota
	// VerifyHashMismatch: a snapshot's stored content hash does not match
	// the digest recomputed from its own fields.
	VerifyHashMismatch
	// VerifyChainBroken: a snapshot's parent hash does not match the
	// previous snapshot's recomputed content hash.
	VerifyChainBroken
	// VerifySequenceGap: the retained range is missing a sequence number.
	VerifySequenceGap
)

func (r VerifyReason) String() string {
	switch r {
	case VerifyOK:
		return "ok"
	case VerifyHashMismatch:
		return "hash_mismatch"
	case VerifyChainBroken:
		return "chain_broken"
	case VerifySequenceGap:
		return "sequence_gap"
	default:
		return "unknown"
	}
}

// VerificationResult reports the outcome of a chain scan. FirstFailure is -1
// on a clean run, otherwise the sequence number of the first bad snapshot.
type VerificationResult struct {
	Valid        bool         `json:"valid"`
	FirstFailure int64        `json:"first_failure"`
	Reason       VerifyReason `json:"-"`
	ReasonText   string       `json:"reason"`
	Scanned      uint64       `json:"scanned"`
}

func okResult(scanned uint64) VerificationResult {
	return VerificationResult{Valid: true, FirstFailure: -1, Reason: VerifyOK, ReasonText: VerifyOK.String(), Scanned: scanned}
}

func failResult(seq uint64, reason VerifyReason, scanned uint64) VerificationResult {
	return VerificationResult{Valid: false, FirstFailure: int64(seq), Reason: reason, ReasonText: reason.String(), Scanned: scanned}
}

// Verifier walks a chain recomputing content hashes and parent links.
// Findings are data, not errors: only store access failures are returned
// as errors.
type Verifier struct {
	hasher *Hasher
}

func NewVerifier(hasher *Hasher) *Verifier {
	return &Verifier{hasher: hasher}
}

// Verify scans the full retained chain in ascending sequence order and stops
// at the first failure. This is an O(n) scan; callers needing frequent checks
// should use VerifyFrom with the last known-good checkpoint sequence.
func (v *Verifier) Verify(ctx context.Context, store ChainStore) (VerificationResult, error) {
	first, err := store.First(ctx)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("load first snapshot: %w", err)
	}
	if first == nil {
		return okResult(0), nil
	}
	return v.verifyRange(ctx, store, first.Sequence)
}

// VerifyFrom scans the suffix of the chain starting at the given sequence,
// bounding verification cost for callers that trust everything at or below a
// durable checkpoint.
func (v *Verifier) VerifyFrom(ctx context.Context, store ChainStore, from uint64) (VerificationResult, error) {
	first, err := store.First(ctx)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("load first snapshot: %w", err)
	}
	if first == nil {
		return okResult(0), nil
	}
	if from < first.Sequence {
		from = first.Sequence
	}
	return v.verifyRange(ctx, store, from)
}

func (v *Verifier) verifyRange(ctx context.Context, store ChainStore, from uint64) (VerificationResult, error) {
	tail, err := store.Tail(ctx)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("load tail snapshot: %w", err)
	}
	if tail == nil || from > tail.Sequence {
		return okResult(0), nil
	}

	var prevRecomputed [32]byte
	havePrev := false

	// When starting mid-chain the first link is checked against the
	// predecessor's recomputed hash, not its stored one.
	if first, err := store.First(ctx); err == nil && first != nil && from > first.Sequence {
		prev, err := store.Get(ctx, from-1)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("load predecessor %d: %w", from-1, err)
		}
		prevRecomputed, err = v.hasher.HashSnapshot(prev)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("hash predecessor %d: %w", from-1, err)
		}
		havePrev = true
	}

	scanned := uint64(0)
	for seq := from; seq <= tail.Sequence; seq++ {
		if err := ctx.Err(); err != nil {
			return VerificationResult{}, err
		}

		s, err := store.Get(ctx, seq)
		if err != nil {
			return failResult(seq, VerifySequenceGap, scanned), nil
		}
		if s.Sequence != seq {
			return failResult(seq, VerifySequenceGap, scanned), nil
		}

		recomputed, err := v.hasher.HashSnapshot(s)
		if err != nil {
			// A retained snapshot that no longer serializes has been
			// corrupted in place.
			return failResult(seq, VerifyHashMismatch, scanned), nil
		}
		if recomputed != s.ContentHash {
			return failResult(seq, VerifyHashMismatch, scanned), nil
		}
		// Genesis has no predecessor to link against, but its parent is
		// still constrained: anything but the zero digest is a forgery.
		if s.IsGenesis() && s.ParentHash != ([32]byte{}) {
			return failResult(seq, VerifyChainBroken, scanned), nil
		}
		if havePrev && s.ParentHash != prevRecomputed {
			return failResult(seq, VerifyChainBroken, scanned), nil
		}

		prevRecomputed = recomputed
		havePrev = true
		scanned++
	}

	return okResult(scanned), nil
}
