/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package events provides the in-process event bus used to notify observers
// (webhook dispatchers, admin subscribers) of engine state changes.
package events

import (
	"context"
	"reflect"
	"regexp"
	"sync"

	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("agent-core/events")

// Event is a topic string plus an arbitrary payload. Topics follow the
// hierarchical "<namespace>::<event-name>" convention.
type Event struct {
	Topic   string
	Payload interface{}
}

// Handler processes one event. Errors are logged and isolated; they never
// affect sibling handlers or the notifier.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	pattern *regexp.Regexp
	source  string
	handler Handler
	fn      uintptr
}

// Bus is an in-process publish/subscribe bus keyed by topic pattern. It is
// constructed once at startup and passed explicitly to every component that
// emits or observes events.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every event whose topic matches pattern.
func (b *Bus) Subscribe(pattern *regexp.Regexp, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, subscription{
		pattern: pattern,
		source:  pattern.String(),
		handler: handler,
		fn:      reflect.ValueOf(handler).Pointer(),
	})

	logger.Debugf("subscribed: topic pattern %s", pattern)
}

// Unsubscribe removes the first subscription matching the pattern and
// handler. Unsubscribing a handler that is not registered is a no-op.
func (b *Bus) Unsubscribe(pattern *regexp.Regexp, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn := reflect.ValueOf(handler).Pointer()
	source := pattern.String()

	for i, sub := range b.subs {
		if sub.source == source && sub.fn == fn {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)

			logger.Debugf("unsubscribed: topic pattern %s", source)

			return
		}
	}
}

// Notify delivers the event to every handler whose pattern matches the
// event's topic, sequentially, in subscription order. A handler error (or
// panic) is logged and does not prevent remaining handlers from running.
func (b *Bus) Notify(ctx context.Context, event Event) {
	b.mu.RLock()

	matched := make([]Handler, 0, len(b.subs))

	for _, sub := range b.subs {
		if sub.pattern.MatchString(event.Topic) {
			matched = append(matched, sub.handler)
		}
	}

	b.mu.RUnlock()

	logger.Debugf("notifying %d subscriber(s): topic %s", len(matched), event.Topic)

	for _, handler := range matched {
		b.invoke(ctx, handler, event)
	}
}

func (b *Bus) invoke(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("panic while processing event on topic %s: %v", event.Topic, r)
		}
	}()

	if err := handler(ctx, event); err != nil {
		logger.Errorf("error while processing event on topic %s: %v", event.Topic, err)
	}
}
