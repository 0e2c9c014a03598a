// Package events carries ledger notifications to subscribers.
//
// The Bus stamps every event with a strictly increasing sequence number and
// hands it to each sink in that order. Sinks are called synchronously while
// the bus is held, so they must not block.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind names an event type. It is also the last NATS subject token.
type Kind string

const (
	KindListed         Kind = "listed"
	KindTraded         Kind = "traded"
	KindCancelled      Kind = "cancelled"
	KindWithdrawn      Kind = "withdrawn"
	KindFeeRateChanged Kind = "fee_rate_changed"
	KindRefundFailed   Kind = "refund_failed"

	KindWithdrawUnconfirmed Kind = "withdraw_unconfirmed"
)

// Event is the envelope delivered to sinks.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Seq     uint64    `json:"seq"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type ListedEvent struct {
	ListingID  uint64 `json:"listing_id"`
	Seller     string `json:"seller"`
	Amount     uint64 `json:"amount"`
	UnitPrice  uint64 `json:"unit_price"`
	Location   string `json:"location"`
	SourceType string `json:"source_type"`
}

type TradedEvent struct {
	TradeID    uint64 `json:"trade_id"`
	ListingID  uint64 `json:"listing_id"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	Amount     uint64 `json:"amount"`
	TotalPrice uint64 `json:"total_price"`
}

type CancelledEvent struct {
	ListingID uint64 `json:"listing_id"`
	Seller    string `json:"seller"`
}

type WithdrawnEvent struct {
	Identity string `json:"identity"`
	Amount   uint64 `json:"amount"`
}

// WithdrawUnconfirmedEvent reports a withdrawal whose transfer may or may
// not have been paid. The amount stays debited until an operator reconciles
// Reference with the gateway.
type WithdrawUnconfirmedEvent struct {
	Identity  string `json:"identity"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

type FeeRateChangedEvent struct {
	Old uint64 `json:"old"`
	New uint64 `json:"new"`
}

type RefundFailedEvent struct {
	TradeID uint64 `json:"trade_id"`
	Buyer   string `json:"buyer"`
	Amount  uint64 `json:"amount"`
	Error   string `json:"error"`
}

// Sink receives published events. A returned error is logged and does not
// stop delivery to other sinks.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Bus fans events out to sinks in sequence order.
type Bus struct {
	mu    sync.Mutex
	seq   uint64
	sinks []Sink
	log   *zap.Logger
	now   func() time.Time
}

// NewBus creates a bus. A nil logger discards sink errors.
func NewBus(log *zap.Logger, sinks ...Sink) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{sinks: sinks, log: log, now: time.Now}
}

// Attach adds a sink. Events already published are not replayed.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish stamps and delivers an event, returning the envelope.
func (b *Bus) Publish(ctx context.Context, kind Kind, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		ID:      uuid.New(),
		Seq:     b.seq,
		Kind:    kind,
		At:      b.now().UTC(),
		Payload: payload,
	}
	for _, s := range b.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			b.log.Warn("event delivery failed",
				zap.String("kind", string(kind)),
				zap.Uint64("seq", ev.Seq),
				zap.Error(err),
			)
		}
	}
	return ev
}

// Recorder keeps every delivered event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Deliver(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of recorded events in delivery order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// OfKind returns recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
