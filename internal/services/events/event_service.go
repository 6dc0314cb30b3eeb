package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/interfaces"
)

// ErrBrokerClosed is returned by Publish after Close
var ErrBrokerClosed = errors.New("broker closed")

// Service is the in-process pub/sub broker. Publishes are serialized so
// every subscriber observes messages in one global publish order, and
// handlers run on the publishing goroutine; they must not block.
type Service struct {
	mu          sync.RWMutex
	pubMu       sync.Mutex
	channels    map[string]map[*subscriber]struct{}
	subscribers map[*subscriber]struct{}
	closed      bool
	logger      arbor.ILogger
}

// NewService creates a new in-process broker
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		channels:    make(map[string]map[*subscriber]struct{}),
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger,
	}
}

var _ interfaces.PubSub = (*Service)(nil)

// Publish delivers payload to every subscriber of channel
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrBrokerClosed
	}
	targets := make([]*subscriber, 0, len(s.channels[channel]))
	for sub := range s.channels[channel] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		s.logger.Trace().Str("channel", channel).Msg("No subscribers for channel")
		return nil
	}

	for _, sub := range targets {
		sub.deliver(s.logger, channel, payload)
	}

	return nil
}

// NewSubscriber creates a subscription connection with no channels
func (s *Service) NewSubscriber(handler interfaces.MessageHandler) interfaces.Subscriber {
	sub := &subscriber{
		broker:   s,
		handler:  handler,
		channels: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return sub
}

// ChannelCount returns how many channels currently have at least one subscriber
func (s *Service) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// SubscriberCount returns the number of subscribers on channel
func (s *Service) SubscriberCount(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channel])
}

// Close shuts down the broker and detaches every subscriber
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for sub := range s.subscribers {
		sub.closed = true
	}
	s.channels = make(map[string]map[*subscriber]struct{})
	s.subscribers = make(map[*subscriber]struct{})

	s.logger.Info().Msg("Event broker closed")
	return nil
}

type subscriber struct {
	broker   *Service
	handler  interfaces.MessageHandler
	channels map[string]struct{} // guarded by broker.mu
	closed   bool                // guarded by broker.mu
}

func (sub *subscriber) Subscribe(ctx context.Context, channels ...string) error {
	s := sub.broker
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || sub.closed {
		return ErrBrokerClosed
	}

	for _, ch := range channels {
		if ch == "" {
			return fmt.Errorf("channel cannot be empty")
		}
		set, ok := s.channels[ch]
		if !ok {
			set = make(map[*subscriber]struct{})
			s.channels[ch] = set
		}
		set[sub] = struct{}{}
		sub.channels[ch] = struct{}{}
	}

	s.logger.Trace().Strs("channels", channels).Msg("Subscribed")
	return nil
}

func (sub *subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	s := sub.broker
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range channels {
		sub.detach(ch)
	}

	s.logger.Trace().Strs("channels", channels).Msg("Unsubscribed")
	return nil
}

func (sub *subscriber) Close() error {
	s := sub.broker
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range sub.channels {
		sub.detach(ch)
	}
	sub.closed = true
	delete(s.subscribers, sub)
	return nil
}

// detach must be called with broker.mu held
func (sub *subscriber) detach(ch string) {
	s := sub.broker
	if set, ok := s.channels[ch]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.channels, ch)
		}
	}
	delete(sub.channels, ch)
}

func (sub *subscriber) deliver(logger arbor.ILogger, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("channel", channel).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Subscriber handler panicked")
		}
	}()
	sub.handler(channel, payload)
}
