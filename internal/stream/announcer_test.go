package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ChainLedger/internal/ledger"
	"ChainLedger/internal/stream"
	"ChainLedger/internal/testutil"
)

func TestAnnouncer_PublishesNotices(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := stream.EnsureStream(ctx, js); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	notices := make(chan ledger.AppendNotice, 8)
	announcer := stream.NewAnnouncer(js, notices, zerolog.Nop(), nil)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		announcer.Run(runCtx)
	}()

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream.StreamName, jetstream.ConsumerConfig{
		DeliverPolicy: jetstream.DeliverNewPolicy,
		FilterSubject: stream.SubjectAppended,
	})
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}

	parent := "aa11"
	sent := ledger.AppendNotice{
		Sequence:      3,
		ContentHash:   "ff00",
		ParentHash:    &parent,
		SchemaVersion: ledger.SchemaVersionV1,
		Timestamp:     time.UnixMicro(1700000000000000).UTC(),
		ChainLength:   4,
	}
	notices <- sent

	msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var got ledger.AppendNotice
	received := false
	for msg := range msgs.Messages() {
		if err := json.Unmarshal(msg.Data(), &got); err != nil {
			t.Fatalf("unmarshal notice: %v", err)
		}
		msg.Ack()
		received = true
	}
	if err := msgs.Error(); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if !received {
		t.Fatal("no notice received")
	}

	if got.Sequence != sent.Sequence || got.ContentHash != sent.ContentHash || got.ChainLength != sent.ChainLength {
		t.Errorf("got %+v, want %+v", got, sent)
	}
	if got.ParentHash == nil || *got.ParentHash != parent {
		t.Errorf("parent hash: got %v, want %q", got.ParentHash, parent)
	}

	stop()
	<-done
}
