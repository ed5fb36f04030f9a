// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pubsub fans room events out to every backend instance through
// Redis pub/sub channels. Publishing and subscribing use dedicated
// connections because a Redis connection in subscriber mode can no longer
// issue regular commands.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler consumes one delivery. Exactly one of payload and err is
// meaningful: err is non-nil only when the subscription itself failed and
// will receive no further messages.
type Handler func(payload string, err error)

// Broker multiplexes publish and subscribe traffic over two Redis clients.
type Broker struct {
	pub *redis.Client
	sub *redis.Client
	log *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*subscription
	closed bool
}

type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroker wires a broker over the given publish and subscribe clients.
func NewBroker(pub, sub *redis.Client, log *zap.SugaredLogger) *Broker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broker{
		pub:    pub,
		sub:    sub,
		log:    log,
		active: make(map[string]*subscription),
	}
}

// Publish sends payload to every subscriber of channel. Delivery is
// fire-and-forget: instances that are down simply miss the event.
func (b *Broker) Publish(ctx context.Context, channel, payload string) error {
	if err := b.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts delivering messages on channel to handler from a
// dedicated goroutine. Messages for a channel are delivered in order;
// a slow handler delays only its own channel.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe to %s: broker closed", channel)
	}
	if _, ok := b.active[channel]; ok {
		return fmt.Errorf("subscribe to %s: already subscribed", channel)
	}

	ps := b.sub.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round trip so a dead Redis fails here, not
	// silently inside the receive loop.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	b.active[channel] = s
	go b.deliver(runCtx, channel, s, handler)
	return nil
}

func (b *Broker) deliver(ctx context.Context, channel string, s *subscription, handler Handler) {
	defer close(s.done)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					b.log.Warnw("subscription closed unexpectedly", "channel", channel)
					handler("", fmt.Errorf("subscription to %s lost", channel))
				}
				return
			}
			handler(msg.Payload, nil)
		}
	}
}

// Unsubscribe stops delivery for channel and waits for its goroutine to
// drain. Unsubscribing a channel that is not subscribed is a no-op.
func (b *Broker) Unsubscribe(channel string) error {
	b.mu.Lock()
	s, ok := b.active[channel]
	delete(b.active, channel)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	err := s.ps.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", channel, err)
	}
	return nil
}

// Close tears down every subscription. The broker cannot be reused.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.active
	b.active = map[string]*subscription{}
	b.mu.Unlock()

	var firstErr error
	for channel, s := range subs {
		s.cancel()
		if err := s.ps.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close subscription %s: %w", channel, err)
		}
		<-s.done
	}
	return firstErr
}
