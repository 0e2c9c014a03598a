package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atmx/energy-ledger/internal/events"
)

func TestBus_SequenceIsStrictlyIncreasing(t *testing.T) {
	rec := events.NewRecorder()
	bus := events.NewBus(zaptest.NewLogger(t), rec)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(ctx, events.KindCancelled, events.CancelledEvent{ListingID: uint64(i)})
		}(i)
	}
	wg.Wait()

	got := rec.Events()
	require.Len(t, got, 100)
	seen := make(map[string]bool)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq, "sinks observe events in sequence order")
		assert.False(t, seen[ev.ID.String()], "event IDs are unique")
		seen[ev.ID.String()] = true
	}
}

func TestBus_SinkErrorDoesNotStopDelivery(t *testing.T) {
	rec := events.NewRecorder()
	failing := events.SinkFunc(func(context.Context, events.Event) error {
		return errors.New("broker down")
	})
	bus := events.NewBus(nil, failing, rec)

	ev := bus.Publish(context.Background(), events.KindListed, events.ListedEvent{ListingID: 1, Seller: "alice"})

	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, []events.Kind{events.KindListed}, rec.Kinds())
}

func TestBus_Attach(t *testing.T) {
	bus := events.NewBus(nil)
	bus.Publish(context.Background(), events.KindListed, nil)

	rec := events.NewRecorder()
	bus.Attach(rec)
	bus.Publish(context.Background(), events.KindCancelled, events.CancelledEvent{ListingID: 1})

	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Seq)
}

func TestRecorder_OfKindAndReset(t *testing.T) {
	rec := events.NewRecorder()
	bus := events.NewBus(nil, rec)
	ctx := context.Background()
	bus.Publish(ctx, events.KindListed, nil)
	bus.Publish(ctx, events.KindTraded, events.TradedEvent{TradeID: 1})
	bus.Publish(ctx, events.KindTraded, events.TradedEvent{TradeID: 2})

	traded := rec.OfKind(events.KindTraded)
	require.Len(t, traded, 2)
	assert.Equal(t, uint64(2), traded[1].Payload.(events.TradedEvent).TradeID)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestNATSSink_Publish(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_NATS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_NATS_URL not set")
	}
	sink, err := events.NewNATSSink(url, "ledger-test")
	require.NoError(t, err)
	defer sink.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync(sink.Subject(events.KindTraded))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	bus := events.NewBus(nil, sink)
	bus.Publish(context.Background(), events.KindTraded, events.TradedEvent{TradeID: 7, Amount: 4, TotalPrice: 20})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got struct {
		Seq     uint64             `json:"seq"`
		Kind    events.Kind        `json:"kind"`
		Payload events.TradedEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, events.KindTraded, got.Kind)
	assert.Equal(t, uint64(7), got.Payload.TradeID)
	assert.Equal(t, uint64(20), got.Payload.TotalPrice)
}
