// Package payout moves value out of the ledger through an external payment
// gateway. Withdrawals and refunds both go through Transfer.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("payout: gateway unavailable")

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payout: gateway returned %d: %s", e.Code, e.Body)
}

// UnknownOutcomeError wraps a failure after which the gateway may or may
// not have made the payment because no response arrived.
type UnknownOutcomeError struct {
	Err error
}

func (e *UnknownOutcomeError) Error() string {
	return "payout: outcome unknown: " + e.Err.Error()
}

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

// OutcomeUnknown reports true.
func (e *UnknownOutcomeError) OutcomeUnknown() bool { return true }

// Request is the JSON body posted to the gateway. Reference lets the
// gateway de-duplicate retries of the same payout.
type Request struct {
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference"`
}

type Options struct {
	Timeout         time.Duration
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // how long the breaker stays open
}

// Client posts transfers to the gateway behind a circuit breaker.
type Client struct {
	url  string
	http *http.Client
	cb   *gobreaker.CircuitBreaker[struct{}]
	log  *zap.Logger
}

func NewClient(url string, opts Options, log *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		url:  url,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log,
	}
	c.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "payout",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// A rejected payout means the gateway is up.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.Code < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Transfer pays amount to the identity to.
func (c *Client) Transfer(ctx context.Context, to string, amount uint64, reference string) error {
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, Request{To: to, Amount: amount, Reference: reference})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) post(ctx context.Context, body Request) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", body.Reference)

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnknownOutcomeError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.log.Info("payout sent",
		zap.String("to", body.To),
		zap.Uint64("amount", body.Amount),
		zap.String("reference", body.Reference),
	)
	return nil
}

// LogOnly is a transferer for development that records the payout in the
// log and always succeeds.
type LogOnly struct {
	Log *zap.Logger
}

func (l LogOnly) Transfer(_ context.Context, to string, amount uint64, reference string) error {
	l.Log.Warn("payout gateway not configured, transfer not sent",
		zap.String("to", to),
		zap.Uint64("amount", amount),
		zap.String("reference", reference),
	)
	return nil
}
