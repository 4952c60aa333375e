// Package events publishes license lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/license"
)

const DefaultSubjectPrefix = "license.events"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}

type NATSPublisher struct {
	conn       Conn
	prefix     string
	maxRetries int
	backoff    time.Duration

	queue   chan license.Event
	dropped atomic.Int64
}

func NewNATSPublisher(conn Conn, prefix string, maxRetries int) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
		backoff:    100 * time.Millisecond,
		queue:      make(chan license.Event, 1024),
	}
}

// Subject returns e.g. "license.events.device.activated".
func (p *NATSPublisher) Subject(t license.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish sends one event, retrying with linear backoff.
func (p *NATSPublisher) Publish(evt license.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := p.Subject(evt.Type)
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i) * p.backoff)
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}

// Record enqueues evt for Run. A full queue drops the event.
func (p *NATSPublisher) Record(_ context.Context, evt license.Event) {
	select {
	case p.queue <- evt:
	default:
		p.dropped.Add(1)
	}
}

// Dropped reports events lost to a full queue.
func (p *NATSPublisher) Dropped() int64 { return p.dropped.Load() }

// Run publishes queued events until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-p.queue:
			if err := p.Publish(evt); err != nil {
				log.Error().Err(err).
					Str("type", string(evt.Type)).
					Str("license_key", license.MaskKey(evt.LicenseKey)).
					Msg("event publish failed")
			}
		}
	}
}
