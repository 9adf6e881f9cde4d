// Package events is the telemetry spine: components emit structured,
// typed events to topics and the host application routes them wherever
// it wants (metrics, logs, UI). No behavior anywhere depends on log
// output; this is the observable surface.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
	onError      func(topic, subscriptionID string, err error)
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithSyncDelivery forces synchronous (inline) delivery, serializing all
// handler calls within the event loop goroutine. Useful when handlers
// must not run concurrently.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// WithErrorHandler routes handler errors somewhere observable.
func WithErrorHandler(fn func(topic, subscriptionID string, err error)) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.onError = fn
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

// Subject is a lock-free pub/sub hub: copy-on-write subscriber map, one
// buffered event channel drained by a single loop goroutine.
type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64

	events   chan event
	shutdown chan struct{}
	config   subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a Subject and starts its event loop.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 256}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}
	empty := make(subscriberMap)
	s.subscribers.Store(&empty)

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Emit publishes a value to a topic. Fails only if the subject's buffer
// stays full for five seconds.
func Emit[T any](subject *Subject, topic string, value T) error {
	if subject == nil {
		return nil
	}
	select {
	case subject.events <- event{topic: topic, message: value}:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("failed to emit event on %s", topic)
	}
}

// Subscribe attaches a typed handler to a topic and returns the
// subscription, whose Unsubscribe detaches it.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
		}
		return handler(ctx, typed)
	})

	subID := atomic.AddInt64(&subject.nextSubID, 1)
	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, subID),
		Handler: wrapped,
	}
	subject.addSubscription(sub)
	sub.Unsubscribe = func() {
		subject.removeSubscription(sub.ID)
	}
	return sub
}

// Complete shuts the subject down. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			subs := s.subscribers.Load()
			if topicSubs, ok := (*subs)[evt.topic]; ok {
				for _, sub := range topicSubs {
					s.deliver(sub, evt)
				}
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil && s.config.onError != nil {
			s.config.onError(evt.topic, sub.ID, err)
		}
	}
	if s.config.syncDelivery {
		run()
	} else {
		go run()
	}
}

func (s *Subject) addSubscription(sub Subscription) {
	for {
		old := s.subscribers.Load()
		next := copySubscribers(*old)
		if _, ok := next[sub.Topic]; !ok {
			next[sub.Topic] = make(map[string]Subscription)
		}
		next[sub.Topic][sub.ID] = sub
		if s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *Subject) removeSubscription(subID string) {
	for {
		old := s.subscribers.Load()
		next := copySubscribers(*old)
		found := false
		for topic, topicSubs := range next {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(next, topic)
				}
				found = true
				break
			}
		}
		if !found {
			return
		}
		if s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}
