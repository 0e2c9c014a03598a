package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes each event as JSON on <prefix>.<kind>. Publishing is
// buffered by the client and does not wait for the server.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to url.
func NewNATSSink(url, prefix string, opts ...nats.Option) (*NATSSink, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject events of kind k are published on.
func (s *NATSSink) Subject(k Kind) string { return s.prefix + "." + string(k) }

func (s *NATSSink) Deliver(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.Subject(ev.Kind), data)
}

// Close flushes pending messages and disconnects.
func (s *NATSSink) Close() error {
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
	return nil
}
