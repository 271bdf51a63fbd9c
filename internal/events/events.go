// Package events carries fire-and-forget status updates from the phase
// state machine to logging, metrics and notification observers.
package events

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ResearchWriter/internal/domain"
)

// Kind classifies an event.
type Kind string

const (
	KindTransition  Kind = "transition"
	KindReviewRound Kind = "review_round"
	KindDraft       Kind = "draft"
	KindAgent       Kind = "agent"
	KindFinalized   Kind = "finalized"
	KindAborted     Kind = "aborted"
)

// Event is one status update. Observers must not mutate it.
type Event struct {
	Kind       Kind
	SessionID  string
	Topic      string
	From       domain.Phase
	To         domain.Phase
	Round      int
	Outcome    domain.Outcome
	Role       string
	Iterations int
	Incomplete bool
	DraftVer   int
	Checkpoint string
	Artifact   string
	ErrorClass string
	Message    string
	Elapsed    time.Duration
	Time       time.Time
}

// Observer receives events. Observe runs on the bus goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus delivers events to observers on a single goroutine. Publish never
// blocks: when the buffer is full the event is dropped.
type Bus struct {
	ch        chan Event
	observers []Observer
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ Publisher = (*Bus)(nil)

// NewBus starts the delivery goroutine.
func NewBus(logger *zap.Logger, buffer int, observers ...Observer) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	b := &Bus{
		ch:        make(chan Event, buffer),
		observers: observers,
		logger:    logger.With(zap.String("component", "events")),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues e.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		b.logger.Warn("event dropped, bus is full", zap.String("kind", string(e.Kind)))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.ch {
		for _, o := range b.observers {
			b.deliver(o, e)
		}
	}
}

func (b *Bus) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked", zap.String("kind", string(e.Kind)), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	o.Observe(e)
}

// LogObserver writes every event to logger.
func LogObserver(logger *zap.Logger) Observer {
	logger = logger.With(zap.String("component", "status"))
	return ObserverFunc(func(e Event) {
		fields := []zap.Field{
			zap.String("session_id", e.SessionID),
			zap.String("kind", string(e.Kind)),
			zap.Int("round", e.Round),
		}
		if e.From != "" {
			fields = append(fields, zap.String("from", string(e.From)))
		}
		if e.To != "" {
			fields = append(fields, zap.String("phase", string(e.To)))
		}
		if e.Outcome != "" {
			fields = append(fields, zap.String("outcome", string(e.Outcome)))
		}
		if e.Role != "" {
			fields = append(fields, zap.String("role", e.Role), zap.Int("iterations", e.Iterations), zap.Bool("incomplete", e.Incomplete))
		}
		if e.Checkpoint != "" {
			fields = append(fields, zap.String("checkpoint", e.Checkpoint))
		}
		if e.Message != "" {
			fields = append(fields, zap.String("message", e.Message))
		}
		if e.Kind == KindAborted {
			logger.Warn("session aborted", append(fields, zap.String("error_class", e.ErrorClass))...)
			return
		}
		logger.Info("session event", fields...)
	})
}
