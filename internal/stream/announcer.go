// Package stream publishes append notices to NATS JetStream for downstream
// consumers (replicas, auditors, dashboards). The announcer sits behind a
// drop-on-full channel: a slow broker never stalls the append path, and a
// consumer that misses notices resynchronizes from the chain itself.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ChainLedger/internal/ledger"
	"ChainLedger/internal/observability"
)

// SubjectAppended is the JetStream subject for append notices.
const SubjectAppended = "ledger.snapshots.appended"

// StreamName is the JetStream stream expected to cover SubjectAppended.
const StreamName = "LEDGER_SNAPSHOTS"

// Announcer drains the notice channel and publishes each notice as JSON.
type Announcer struct {
	js        jetstream.JetStream
	inputChan <-chan ledger.AppendNotice
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewAnnouncer(
	js jetstream.JetStream,
	inputChan <-chan ledger.AppendNotice,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Announcer {
	return &Announcer{
		js:        js,
		inputChan: inputChan,
		log:       log,
		metrics:   metrics,
	}
}

// EnsureStream creates or updates the JetStream stream covering the notice
// subject. Called once at startup by the host.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectAppended},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// Run drains the notice channel until ctx is cancelled or the channel closes.
// Publish failures are logged and counted; the notice is dropped, since the
// chain remains the source of truth for anyone who needs to catch up.
func (a *Announcer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case notice, ok := <-a.inputChan:
			if !ok {
				return nil
			}
			a.publish(ctx, notice)
		}
	}
}

func (a *Announcer) publish(ctx context.Context, notice ledger.AppendNotice) {
	data, err := json.Marshal(notice)
	if err != nil {
		a.log.Error().Err(err).Uint64("sequence", notice.Sequence).Msg("marshal notice")
		return
	}

	if _, err := a.js.Publish(ctx, SubjectAppended, data); err != nil {
		if a.metrics != nil {
			a.metrics.PublishErrors.Inc()
		}
		a.log.Warn().Err(err).Uint64("sequence", notice.Sequence).Msg("publish notice failed")
		return
	}

	if a.metrics != nil {
		a.metrics.NoticesPublished.Inc()
	}
	a.log.Debug().Uint64("sequence", notice.Sequence).Msg("notice published")
}
