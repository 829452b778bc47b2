package store

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription backed by Redis or by the
// in-process hub.
type Subscription interface {
	Messages() <-chan *Message
	Close() error
}

// matchChannel supports exact names and a single trailing "*" wildcard,
// the only pattern form used for notification channels.
func matchChannel(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}

type memorySubscription struct {
	patterns []string
	msgChan  chan *Message
	closeCh  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newMemorySubscription(patterns []string) *memorySubscription {
	return &memorySubscription{
		patterns: patterns,
		msgChan:  make(chan *Message, 100),
		closeCh:  make(chan struct{}),
	}
}

func (s *memorySubscription) Messages() <-chan *Message {
	return s.msgChan
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.closeCh)
		close(s.msgChan)
	}
	return nil
}

func (s *memorySubscription) matches(channel string) bool {
	for _, p := range s.patterns {
		if matchChannel(p, channel) {
			return true
		}
	}
	return false
}

// deliver drops the message if the subscriber's buffer is full.
func (s *memorySubscription) deliver(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	select {
	case s.msgChan <- msg:
	default:
	}
}

// memoryHub fans published messages out to in-process subscribers.
type memoryHub struct {
	mu   sync.RWMutex
	subs map[*memorySubscription]struct{}
}

func newMemoryHub() *memoryHub {
	return &memoryHub{subs: make(map[*memorySubscription]struct{})}
}

func (h *memoryHub) subscribe(ctx context.Context, patterns ...string) *memorySubscription {
	sub := newMemorySubscription(patterns)

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	return sub
}

func (h *memoryHub) publish(channel, payload string) int {
	h.mu.RLock()
	targets := make([]*memorySubscription, 0, len(h.subs))
	for sub := range h.subs {
		if sub.matches(channel) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	for _, sub := range targets {
		sub.deliver(msg)
	}
	return len(targets)
}

// redisSubscription adapts redis.PubSub to Subscription.
type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan *Message
	done   chan struct{}
	once   sync.Once
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		pubsub: ps,
		out:    make(chan *Message, 100),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- &Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan *Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
