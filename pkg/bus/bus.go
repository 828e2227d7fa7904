// Package bus provides a small typed publish/subscribe bus keyed by a
// comparable topic. Session lifecycle events flow through it from the
// polling goroutines to interested consumers.
package bus

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type key interface {
	comparable
}

type message interface {
	any
}

type Message[K key, M message] struct {
	Key     K
	Message M
}

type Publisher[M message] func(ctx context.Context, msg M)

// subscription pairs a delivery channel with its cancellation signal so a
// worker blocked on delivery wakes up when the subscriber goes away.
type subscription[K key, M message] struct {
	ch   chan Message[K, M]
	done <-chan struct{}
}

type Bus[K key, M message] struct {
	log         *zap.Logger
	concurrency int
	ready       chan struct{}

	ch chan Message[K, M]
	// keySubs values are replaced wholesale on every change, never mutated
	// in place, so workers can iterate a loaded slice without holding locks.
	keySubs    *xsync.MapOf[K, []subscription[K, M]]
	globalSubs *xsync.MapOf[chan Message[K, M], <-chan struct{}]
}

func NewBus[K key, M message](logger *zap.Logger) *Bus[K, M] {
	return &Bus[K, M]{
		log:         logger,
		ready:       make(chan struct{}),
		concurrency: 1,

		ch:         make(chan Message[K, M]),
		keySubs:    xsync.NewMapOf[K, []subscription[K, M]](),
		globalSubs: xsync.NewMapOf[chan Message[K, M], <-chan struct{}](),
	}
}

func (b *Bus[K, M]) Start(ctx context.Context) error {
	if b.concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	for i := 0; i < b.concurrency; i++ {
		b.startWorker(ctx)
	}
	close(b.ready)
	return nil
}

func (b *Bus[K, M]) startWorker(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-b.ch:
				b.process(ctx, msg)
			}
		}
	}()
}

func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
		return
	case b.ch <- Message[K, M]{key, msg}:
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) process(ctx context.Context, msg Message[K, M]) {
	b.globalSubs.Range(func(ch chan Message[K, M], done <-chan struct{}) bool {
		select {
		case <-ctx.Done():
			return false
		case <-done:
		case ch <- msg:
		}
		return true
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
		case sub.ch <- msg:
		}
	}
}

// Subscribe returns a channel of messages for the given keys, or for all
// keys when none are given. The subscription lasts until ctx is cancelled;
// the channel is never closed and simply stops receiving afterwards.
func (b *Bus[K, M]) Subscribe(ctx context.Context, keys ...K) <-chan Message[K, M] {
	ch := make(chan Message[K, M])
	done := make(chan struct{})
	if len(keys) == 0 {
		b.globalSubs.Store(ch, done)
		go func() {
			<-ctx.Done()
			close(done)
			b.globalSubs.Delete(ch)
		}()
		return ch
	}
	sub := subscription[K, M]{ch: ch, done: done}
	for _, k := range keys {
		b.keySubs.Compute(k, func(subs []subscription[K, M], _ bool) ([]subscription[K, M], bool) {
			next := make([]subscription[K, M], 0, len(subs)+1)
			next = append(next, subs...)
			return append(next, sub), false
		})
	}
	go func() {
		<-ctx.Done()
		close(done)
		for _, k := range keys {
			b.keySubs.Compute(k, func(subs []subscription[K, M], _ bool) ([]subscription[K, M], bool) {
				next := make([]subscription[K, M], 0, len(subs))
				for _, s := range subs {
					if s.ch != ch {
						next = append(next, s)
					}
				}
				return next, len(next) == 0
			})
		}
	}()
	return ch
}
