package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ChainLedger/internal/observability"
)

// Mutation computes the next logical state from the current one. It must be
// deterministic and free of ledger side effects: it only returns the next
// payload, it never touches the chain store.
type Mutation func(current Payload) (Payload, error)

// ManagerConfig wires a Manager. Store is required; everything else has a
// default or is optional. The host application constructs the Manager
// explicitly and passes it by handle; there are no package-level singletons.
type ManagerConfig struct {
	Store         ChainStore
	Hasher        *Hasher             // default: SHA-256
	Checkpointer  *Checkpointer       // optional
	SchemaVersion string              // default: SchemaVersionV1
	RetainLast    uint64              // 0 = retain all
	Notify        chan<- AppendNotice // optional; sends never block (drop on full)
	Logger        zerolog.Logger
	Metrics       *observability.Metrics // optional
	Clock         func() time.Time       // test hook
}

// Manager is the façade mutators use: it owns the append critical section and
// wraps the ChainStore, Checkpointer and Verifier behind domain operations.
type Manager struct {
	// mu serializes the compute-next-sequence → hash → append section.
	// This is the one mandatory lock in the system; without it two
	// concurrent mutations could race on the same sequence number.
	mu sync.Mutex

	store         ChainStore
	hasher        *Hasher
	verifier      *Verifier
	checkpointer  *Checkpointer
	schemaVersion string
	retainLast    uint64
	notify        chan<- AppendNotice
	log           zerolog.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewManager validates the config and returns a ready Manager. The chain may
// be empty (cold start) or already populated (resumed from a recovered store).
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: manager requires a chain store")
	}
	hasher := cfg.Hasher
	if hasher == nil {
		var err error
		hasher, err = NewHasher(AlgoSHA256)
		if err != nil {
			return nil, err
		}
	}
	schemaVersion := cfg.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = SchemaVersionV1
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:         cfg.Store,
		hasher:        hasher,
		verifier:      NewVerifier(hasher),
		checkpointer:  cfg.Checkpointer,
		schemaVersion: schemaVersion,
		retainLast:    cfg.RetainLast,
		notify:        cfg.Notify,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		now:           now,
	}, nil
}

// ApplyMutation builds the next snapshot from the current state and the
// supplied mutation, finalizes its hash, appends it, and triggers the
// checkpointer. It either fully completes (snapshot appended) or fully fails
// (chain unchanged); there is no partial state for a single append.
func (m *Manager) ApplyMutation(ctx context.Context, fn Mutation) (*Snapshot, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	tail, err := m.store.Tail(ctx)
	if err != nil {
		m.countAppendError("store")
		return nil, fmt.Errorf("load tail: %w", err)
	}

	var (
		sequence uint64
		parent   [32]byte
		current  Payload
	)
	if tail != nil {
		sequence = tail.Sequence + 1
		parent = tail.ContentHash
		current = tail.Payload
	}

	// The mutation gets a copy so it cannot reach back into stored state.
	next, err := fn(clonePayload(current))
	if err != nil {
		m.countAppendError("mutation")
		return nil, fmt.Errorf("mutation: %w", err)
	}
	if next == nil {
		next = Payload{}
	}

	snap := &Snapshot{
		// Truncated to microseconds so the stored timestamptz reads back
		// exactly and the digest stays reproducible after a reload.
		Timestamp:     m.now().UTC().Truncate(time.Microsecond),
		Sequence:      sequence,
		SchemaVersion: m.schemaVersion,
		// Cloned again on the way out: the mutation may have kept a
		// reference to the payload it returned, and nothing a caller
		// holds may alias a stored snapshot.
		Payload:    clonePayload(next),
		ParentHash: parent,
	}

	hashStart := time.Now()
	snap.ContentHash, err = m.hasher.HashSnapshot(snap)
	if err != nil {
		m.countAppendError("serialization")
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.HashDuration.Observe(time.Since(hashStart).Seconds())
	}

	if err := m.store.Append(ctx, snap); err != nil {
		if errors.Is(err, ErrChainLink) {
			m.countAppendError("chain_link")
		} else {
			m.countAppendError("store")
		}
		return nil, err
	}

	length, lenErr := m.store.Length(ctx)
	if lenErr != nil {
		length = 0
	}

	m.maybeCheckpoint(ctx, snap)
	m.sendNotice(snap, length)

	if m.metrics != nil {
		m.metrics.AppendsTotal.Inc()
		m.metrics.AppendDuration.Observe(time.Since(start).Seconds())
		m.metrics.ChainSequence.Set(float64(snap.Sequence))
		m.metrics.ChainLength.Set(float64(length))
	}
	m.log.Debug().
		Uint64("sequence", snap.Sequence).
		Str("hash", snap.ShortHash()).
		Msg("snapshot appended")

	return snap, nil
}

// maybeCheckpoint runs the checkpoint policy and, after a successful durable
// checkpoint, applies the retention window. Checkpoint and prune failures are
// reported but never fail the triggering append.
func (m *Manager) maybeCheckpoint(ctx context.Context, tail *Snapshot) {
	if m.checkpointer == nil {
		return
	}

	written, err := m.checkpointer.MaybeCheckpoint(ctx, tail)
	if err != nil {
		if m.metrics != nil {
			m.metrics.CheckpointErrors.Inc()
		}
		m.log.Warn().Err(err).Uint64("sequence", tail.Sequence).
			Msg("checkpoint failed; chain remains authoritative")
		return
	}
	if !written {
		return
	}

	if m.metrics != nil {
		m.metrics.CheckpointsTaken.Inc()
		m.metrics.CheckpointSeq.Set(float64(tail.Sequence))
	}

	if m.retainLast == 0 {
		return
	}

	// Prune only below the newest durable checkpoint AND outside the
	// retention window.
	floor := uint64(m.checkpointer.LastSequence())
	if tail.Sequence+1 > m.retainLast {
		if w := tail.Sequence + 1 - m.retainLast; w < floor {
			floor = w
		}
	} else {
		floor = 0
	}
	if floor == 0 {
		return
	}
	first, err := m.store.First(ctx)
	if err != nil || first == nil || floor <= first.Sequence {
		return
	}
	if err := m.store.Prune(ctx, floor); err != nil {
		m.log.Warn().Err(err).Uint64("floor", floor).Msg("retention prune failed")
		return
	}
	if m.metrics != nil {
		m.metrics.PrunedSnapshots.Add(float64(floor - first.Sequence))
	}
}

func (m *Manager) sendNotice(snap *Snapshot, length uint64) {
	if m.notify == nil {
		return
	}
	// Non-blocking send: the announcer can always resynchronize from the
	// chain, so a slow consumer never stalls the append path.
	select {
	case m.notify <- NoticeFor(snap, length):
	default:
		if m.metrics != nil {
			m.metrics.NoticeDrops.Inc()
		}
	}
}

// Current returns the chain tail, or nil before the genesis mutation.
func (m *Manager) Current(ctx context.Context) (*Snapshot, error) {
	return m.store.Tail(ctx)
}

// At returns the snapshot at a sequence number (point-in-time query).
func (m *Manager) At(ctx context.Context, sequence uint64) (*Snapshot, error) {
	return m.store.Get(ctx, sequence)
}

// Restore replaces current logical state with an externally supplied snapshot
// (e.g. from backup) and resumes the chain from its sequence number. The
// candidate's self-hash is re-verified first; on any failure the prior state
// is left untouched.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot) error {
	recomputed, err := m.hasher.HashSnapshot(snap)
	if err != nil {
		m.countRestore("invalid")
		return fmt.Errorf("%w: %v", ErrRestoreValidation, err)
	}
	if recomputed != snap.ContentHash {
		m.countRestore("invalid")
		return fmt.Errorf("%w: content hash mismatch at sequence %d", ErrRestoreValidation, snap.Sequence)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Reset(ctx, snap.Clone()); err != nil {
		m.countRestore("store_error")
		return fmt.Errorf("reset chain: %w", err)
	}

	m.countRestore("ok")
	m.log.Info().
		Uint64("sequence", snap.Sequence).
		Str("hash", snap.ShortHash()).
		Msg("state restored from snapshot")
	return nil
}

// AuditTrail returns a finite last-N view over the chain for observability.
func (m *Manager) AuditTrail(ctx context.Context, limit int) ([]AuditEntry, error) {
	tail, err := m.store.Tail(ctx)
	if err != nil {
		return nil, err
	}
	if tail == nil || limit <= 0 {
		return []AuditEntry{}, nil
	}

	first, err := m.store.First(ctx)
	if err != nil {
		return nil, err
	}

	from := first.Sequence
	if span := tail.Sequence - first.Sequence + 1; span > uint64(limit) {
		from = tail.Sequence - uint64(limit) + 1
	}

	trail := make([]AuditEntry, 0, tail.Sequence-from+1)
	for seq := from; seq <= tail.Sequence; seq++ {
		s, err := m.store.Get(ctx, seq)
		if err != nil {
			return nil, err
		}
		trail = append(trail, AuditEntry{
			Sequence:      s.Sequence,
			Timestamp:     s.Timestamp,
			ShortHash:     s.ShortHash(),
			SchemaVersion: s.SchemaVersion,
			Summary:       fmt.Sprintf("%d state fields", len(s.Payload)),
		})
	}
	return trail, nil
}

// ValidateIntegrity scans the full retained chain.
func (m *Manager) ValidateIntegrity(ctx context.Context) (VerificationResult, error) {
	start := time.Now()
	res, err := m.verifier.Verify(ctx, m.store)
	if err != nil {
		return res, err
	}
	if m.metrics != nil {
		m.metrics.VerifyRuns.WithLabelValues(res.ReasonText).Inc()
		m.metrics.VerifyDuration.Observe(time.Since(start).Seconds())
	}
	if !res.Valid {
		m.log.Error().
			Int64("first_failure", res.FirstFailure).
			Str("reason", res.ReasonText).
			Msg("chain integrity violation detected")
	}
	return res, nil
}

// ValidateFrom scans the suffix starting at the given sequence, typically the
// last known-good checkpoint, to keep verification cost bounded.
func (m *Manager) ValidateFrom(ctx context.Context, from uint64) (VerificationResult, error) {
	return m.verifier.VerifyFrom(ctx, m.store, from)
}

// ForceCheckpoint writes a checkpoint immediately, outside the interval
// policy. Unlike interval checkpoints, an explicit request surfaces errors.
func (m *Manager) ForceCheckpoint(ctx context.Context) error {
	if m.checkpointer == nil {
		return errors.New("ledger: no checkpointer configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tail, err := m.store.Tail(ctx)
	if err != nil {
		return err
	}
	before := m.checkpointer.LastSequence()
	if err := m.checkpointer.Checkpoint(ctx, tail); err != nil {
		if m.metrics != nil {
			m.metrics.CheckpointErrors.Inc()
		}
		return err
	}
	// Count only an actual write, not the idempotent no-op.
	if tail != nil && m.metrics != nil && m.checkpointer.LastSequence() != before {
		m.metrics.CheckpointsTaken.Inc()
		m.metrics.CheckpointSeq.Set(float64(tail.Sequence))
	}
	return nil
}

// LastCheckpointSequence returns the sequence of the newest acknowledged
// checkpoint, or -1 when none exists or no checkpointer is configured.
func (m *Manager) LastCheckpointSequence() int64 {
	if m.checkpointer == nil {
		return -1
	}
	return m.checkpointer.LastSequence()
}

// Length returns the number of retained snapshots.
func (m *Manager) Length(ctx context.Context) (uint64, error) {
	return m.store.Length(ctx)
}

// SchemaVersion returns the schema tag stamped on new snapshots.
func (m *Manager) SchemaVersion() string {
	return m.schemaVersion
}

func (m *Manager) countAppendError(reason string) {
	if m.metrics != nil {
		m.metrics.AppendErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) countRestore(outcome string) {
	if m.metrics != nil {
		m.metrics.RestoresTotal.WithLabelValues(outcome).Inc()
	}
}
