package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultBufferSize = 256

// InProc is the in-process bus implementation: typed subjects with one
// bounded channel per subscriber. Publish on a non-critical subject evicts
// the oldest queued message when a subscriber's buffer is full; publish on
// a critical subject blocks the publisher instead.
type InProc struct {
	mu         sync.RWMutex
	subs       map[Subject]map[*inprocSub]struct{}
	bufferSize int
	closed     bool
	log        zerolog.Logger
}

type inprocSub struct {
	ch      chan *Message
	once    sync.Once
	dropped atomic.Uint64
}

// NewInProc creates an in-process bus. bufferSize <= 0 uses the default.
func NewInProc(bufferSize int, log zerolog.Logger) *InProc {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	subs := make(map[Subject]map[*inprocSub]struct{}, len(AllSubjects))
	for _, s := range AllSubjects {
		subs[s] = make(map[*inprocSub]struct{})
	}
	return &InProc{
		subs:       subs,
		bufferSize: bufferSize,
		log:        log.With().Str("component", "bus").Logger(),
	}
}

// Publish delivers msg to every subscriber of msg.Subject in FIFO order.
func (b *InProc) Publish(ctx context.Context, msg *Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*inprocSub, 0, len(b.subs[msg.Subject]))
	for sub := range b.subs[msg.Subject] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	critical := Critical(msg.Subject)
	for _, sub := range targets {
		if critical {
			if err := sub.send(ctx, msg); err != nil {
				return err
			}
			continue
		}
		sub.sendOrEvict(msg)
	}
	return nil
}

// send blocks until the message is queued or ctx is cancelled. Used for
// critical subjects where drops are not permitted.
func (s *inprocSub) send(ctx context.Context, msg *Message) (err error) {
	defer func() {
		// The subscriber may unsubscribe concurrently, closing ch.
		if recover() != nil {
			err = nil
		}
	}()
	select {
	case s.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendOrEvict queues the message, evicting the oldest entry if the buffer
// is full. Only market_data, heartbeat and other non-critical traffic takes
// this path.
func (s *inprocSub) sendOrEvict(msg *Message) {
	defer func() {
		if recover() != nil {
			// Subscriber unsubscribed mid-send; message is moot.
		}
	}()
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Subscribe registers a bounded-buffer subscriber for the subject.
func (b *InProc) Subscribe(subject Subject) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.subs[subject]; !ok {
		b.subs[subject] = make(map[*inprocSub]struct{})
	}

	sub := &inprocSub{ch: make(chan *Message, b.bufferSize)}
	b.subs[subject][sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[subject][sub]; ok {
			delete(b.subs[subject], sub)
			sub.once.Do(func() { close(sub.ch) })
		}
	}

	b.log.Debug().Str("subject", string(subject)).Msg("Subscription created")

	return &Subscription{
		subject: subject,
		ch:      sub.ch,
		cancel:  cancel,
		dropped: sub.dropped.Load,
	}, nil
}

// Close shuts down the bus and closes all subscriber channels.
func (b *InProc) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for subject, set := range b.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
		b.subs[subject] = make(map[*inprocSub]struct{})
	}

	b.log.Info().Msg("Bus closed")
	return nil
}
