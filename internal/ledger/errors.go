package ledger

import "errors"

// Error taxonomy. All failures are surfaced synchronously to the caller;
// the ledger never best-effort-applies a mutation. Checkpoint sink failures
// are the one exception: reported but non-fatal to the triggering append,
// since the full chain remains the source of truth.
var (
	// ErrSerialization: a payload cannot be canonically represented
	// (NaN, non-finite float, unsupported type, cyclic structure).
	// Local to the failing call; the chain is unaffected.
	ErrSerialization = errors.New("ledger: payload not canonically serializable")

	// ErrChainLink: an append with a non-consecutive sequence number or a
	// mismatched parent hash. Indicates a missing-serialization bug or
	// tampering; never silently corrected.
	ErrChainLink = errors.New("ledger: chain link violation")

	// ErrNotFound: a query for a sequence number outside the retained range.
	ErrNotFound = errors.New("ledger: snapshot not found")

	// ErrRestoreValidation: a restore candidate failed self-hash
	// verification. The restore is aborted, prior state untouched.
	ErrRestoreValidation = errors.New("ledger: restore snapshot failed hash verification")
)
