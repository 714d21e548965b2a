package mgr

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// FaultEvent is submitted after a fault was dispatched to a handler.
type FaultEvent struct {
	UnitID  string
	Unit    string
	Group   string
	Manager string
	Handler HandlerKind
	Fault   *Fault
	Time    time.Time

	// HandlerPanicked is set when the handler itself panicked.
	HandlerPanicked bool
}

// EventMgr is a simple event manager.
type EventMgr[T any] struct {
	name   string
	logger *slog.Logger
	lock   sync.Mutex

	subs      []*EventSubscription[T]
	callbacks []*EventCallback[T]
}

// EventSubscription is a subscription to an event.
type EventSubscription[T any] struct {
	name     string
	events   chan T
	canceled atomic.Bool
}

// EventCallback is a registered callback to an event.
type EventCallback[T any] struct {
	name     string
	callback EventCallbackFunc[T]
	canceled atomic.Bool
}

// EventCallbackFunc defines the event callback function.
type EventCallbackFunc[T any] func(T) (cancel bool, err error)

// NewEventMgr returns a new event manager.
// A nil logger uses the default logger.
func NewEventMgr[T any](eventName string, logger *slog.Logger) *EventMgr[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventMgr[T]{
		name:   eventName,
		logger: logger,
	}
}

// Subscribe subscribes to events.
// The received events are shared among all subscribers and callbacks.
// Be sure to apply proper concurrency safeguards, if applicable.
func (em *EventMgr[T]) Subscribe(subscriberName string, chanSize int) *EventSubscription[T] {
	em.lock.Lock()
	defer em.lock.Unlock()

	es := &EventSubscription[T]{
		name:   subscriberName,
		events: make(chan T, chanSize),
	}

	em.subs = append(em.subs, es)
	return es
}

// AddCallback adds a callback to executed on events.
// Callbacks are executed synchronously by the submitter.
func (em *EventMgr[T]) AddCallback(callbackName string, callback EventCallbackFunc[T]) {
	em.lock.Lock()
	defer em.lock.Unlock()

	ec := &EventCallback[T]{
		name:     callbackName,
		callback: callback,
	}

	em.callbacks = append(em.callbacks, ec)
}

// Submit submits a new event.
// Callbacks run after the lock is released, so they may subscribe or add
// callbacks themselves.
func (em *EventMgr[T]) Submit(event T) {
	em.lock.Lock()
	var anyCanceled bool

	// Send to subscriptions.
	for _, sub := range em.subs {
		// Check if subscription was canceled.
		if sub.canceled.Load() {
			anyCanceled = true
			continue
		}

		// Submit via channel.
		select {
		case sub.events <- event:
		default:
			em.logger.Warn(
				"event subscription channel overflow",
				"event", em.name,
				"subscriber", sub.name,
			)
		}
	}

	callbacks := slices.Clone(em.callbacks)
	em.lock.Unlock()

	// Run callbacks.
	for _, ec := range callbacks {
		// Check if callback was canceled.
		if ec.canceled.Load() {
			anyCanceled = true
			continue
		}

		cancel, err := em.runCallback(ec, event)
		if err != nil {
			em.logger.Warn(
				"event callback failed",
				"event", em.name,
				"callback", ec.name,
				"err", err,
			)
		}
		if cancel {
			ec.canceled.Store(true)
			anyCanceled = true
		}
	}

	// If any canceled subscription/callback was seen, clean the slices.
	if anyCanceled {
		em.lock.Lock()
		defer em.lock.Unlock()

		em.clean()
	}
}

func (em *EventMgr[T]) runCallback(ec *EventCallback[T], event T) (cancel bool, err error) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			err = fmt.Errorf("panic: %v", panicVal)
		}
	}()

	return ec.callback(event)
}

// clean removes all canceled subscriptions and callbacks.
// The lock must be held.
func (em *EventMgr[T]) clean() {
	em.subs = slices.DeleteFunc(em.subs, func(es *EventSubscription[T]) bool {
		return es.canceled.Load()
	})
	em.callbacks = slices.DeleteFunc(em.callbacks, func(ec *EventCallback[T]) bool {
		return ec.canceled.Load()
	})
}

// Events returns a read channel for the events.
// The received events are shared among all subscribers and callbacks.
// Be sure to apply proper concurrency safeguards, if applicable.
func (es *EventSubscription[T]) Events() <-chan T {
	return es.events
}

// Cancel cancels the subscription.
// The events channel is not closed, but will not receive new events.
func (es *EventSubscription[T]) Cancel() {
	es.canceled.Store(true)
}

// Done returns whether the event subscription has been canceled.
func (es *EventSubscription[T]) Done() bool {
	return es.canceled.Load()
}
