// Package bus publishes run events to NATS JetStream and streams them back
// to observers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// StreamName is the JetStream stream holding run events.
	StreamName = "GWPERF"
	// SubjectPrefix prefixes every run event subject.
	SubjectPrefix = "gwperf."
	// StepSubject carries step lifecycle events.
	StepSubject = SubjectPrefix + "steps"
	// IterationSubject carries finished iterations.
	IterationSubject = SubjectPrefix + "iterations"

	// ephemeralIdle is how long the server keeps an unnamed consumer
	// without a subscriber.
	ephemeralIdle = 5 * time.Minute
)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Handler processes one event payload. A returned error naks the message
// so JetStream redelivers it.
type Handler func(ctx context.Context, data []byte) error

// Bus is a NATS connection with its JetStream context.
type Bus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// New connects to the NATS endpoint at url.
func New(url string, logger zerolog.Logger, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	base := []nats.Option{
		nats.Name("gwperf"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// Close drains the connection, falling back to a hard close.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// EnsureStream creates the run event stream, or updates its retention when
// it already exists.
func (b *Bus) EnsureStream(ctx context.Context, maxAge time.Duration) error {
	if b == nil {
		return errors.New("nil bus")
	}
	stream, err := b.js.CreateOrUpdateStream(ctx, streamConfig(maxAge))
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	info := stream.CachedInfo()
	b.logger.Debug().
		Str("stream", StreamName).
		Uint64("messages", info.State.Msgs).
		Dur("max_age", info.Config.MaxAge).
		Msg("event stream ready")
	return nil
}

func streamConfig(maxAge time.Duration) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "gwperf run events",
		Subjects:    []string{SubjectPrefix + ">"},
		MaxAge:      maxAge,
		Storage:     jetstream.FileStorage,
	}
}

// Publish encodes v as JSON and publishes it on subj.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, subj, data); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

// Subscribe calls fn for every message on subj until ctx is done or the
// returned closer is closed. A named durable consumer resumes where it
// left off; without one only new messages are delivered.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, StreamName, consumerConfig(subj, durable))
	if err != nil {
		return nil, fmt.Errorf("consumer for %s: %w", subj, err)
	}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := fn(ctx, msg.Data()); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("event handler failed")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", subj, err)
	}

	s := &subscription{cc: cc}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

func consumerConfig(subj, durable string) jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: subj,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if durable != "" {
		cfg.Durable = durable
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	} else {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
		cfg.InactiveThreshold = ephemeralIdle
	}
	return cfg
}

type subscription struct {
	cc   jetstream.ConsumeContext
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(s.cc.Drain)
	return nil
}
