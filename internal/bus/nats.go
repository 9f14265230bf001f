package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS-backed transport.
type NATSConfig struct {
	URL        string `mapstructure:"url"`
	Prefix     string `mapstructure:"prefix"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// DefaultNATSConfig returns the default NATS transport configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:        nats.DefaultURL,
		Prefix:     "controlplane.",
		BufferSize: defaultBufferSize,
	}
}

// NATS is the multi-process bus implementation. Each Subject maps to one
// NATS subject under a configurable prefix; the Subscription surface and
// backpressure semantics match the in-process bus.
type NATS struct {
	nc         *nats.Conn
	prefix     string
	bufferSize int
	log        zerolog.Logger

	mu          sync.Mutex
	closed      bool
	reconnected chan struct{}
}

// NewNATS connects to NATS and returns the transport. The connection
// retries forever; agents observe disconnects via ReconnectC.
func NewNATS(cfg NATSConfig, log zerolog.Logger) (*NATS, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "controlplane."
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	busLog := log.With().Str("component", "bus").Str("transport", "nats").Logger()

	b := &NATS{
		prefix:      cfg.Prefix,
		bufferSize:  cfg.BufferSize,
		log:         busLog,
		reconnected: make(chan struct{}, 1),
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("controlplane-bus"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				busLog.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busLog.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			select {
			case b.reconnected <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.nc = nc

	busLog.Info().Str("url", cfg.URL).Str("prefix", cfg.Prefix).Msg("NATS bus connected")
	return b, nil
}

// ReconnectC signals each time the underlying connection is re-established.
// Agent runtimes issue a resync heartbeat when this fires.
func (b *NATS) ReconnectC() <-chan struct{} { return b.reconnected }

// Connected reports whether the transport currently has a live connection.
func (b *NATS) Connected() bool { return b.nc.IsConnected() }

// Publish serialises the envelope and publishes it on prefix+subject.
func (b *NATS) Publish(ctx context.Context, msg *Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("bus not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.nc.Publish(b.prefix+string(msg.Subject), data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe creates a NATS subscription delivering into a bounded channel
// with the same eviction policy as the in-process bus.
func (b *NATS) Subscribe(subject Subject) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	sub := &inprocSub{ch: make(chan *Message, b.bufferSize)}
	critical := Critical(subject)

	natsSub, err := b.nc.Subscribe(b.prefix+string(subject), func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			b.log.Warn().Err(err).Str("subject", string(subject)).Msg("Failed to unmarshal message")
			return
		}
		if critical {
			// The pending limit below applies backpressure upstream;
			// the local channel send may still race an unsubscribe.
			_ = sub.send(context.Background(), &msg)
			return
		}
		sub.sendOrEvict(&msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if critical {
		// Unlimited pending for never-drop subjects.
		if err := natsSub.SetPendingLimits(-1, -1); err != nil {
			b.log.Warn().Err(err).Msg("Failed to raise pending limits")
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := natsSub.Unsubscribe(); err != nil {
				b.log.Warn().Err(err).Str("subject", string(subject)).Msg("Unsubscribe failed")
			}
			sub.once.Do(func() { close(sub.ch) })
		})
	}

	b.log.Debug().Str("subject", string(subject)).Msg("Subscription created")

	return &Subscription{
		subject: subject,
		ch:      sub.ch,
		cancel:  cancel,
		dropped: sub.dropped.Load,
	}, nil
}

// Close drains and closes the NATS connection. Idempotent.
func (b *NATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.nc.Close()
	b.log.Info().Msg("NATS bus closed")
	return nil
}
