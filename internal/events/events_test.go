package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ResearchWriter/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusDeliversInOrderAndDrainsOnClose(t *testing.T) {
	var (
		mu  sync.Mutex
		got []domain.Phase
	)
	bus := NewBus(nil, 16, ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.To)
	}))

	bus.Publish(Event{Kind: KindTransition, To: domain.PhaseLibraryConsult})
	bus.Publish(Event{Kind: KindTransition, To: domain.PhaseDiscovery})
	bus.Close()
	bus.Publish(Event{Kind: KindTransition, To: domain.PhaseDrafting})

	assert.Equal(t, []domain.Phase{domain.PhaseLibraryConsult, domain.PhaseDiscovery}, got)
}

func TestBusContainsObserverPanics(t *testing.T) {
	var count int
	bus := NewBus(zap.NewNop(), 4,
		ObserverFunc(func(Event) { panic("boom") }),
		ObserverFunc(func(Event) { count++ }),
	)
	bus.Publish(Event{Kind: KindDraft})
	bus.Close()
	assert.Equal(t, 1, count)
}

func TestLogObserver(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	o := LogObserver(zap.New(core))

	o.Observe(Event{Kind: KindTransition, SessionID: "s", From: domain.PhasePlanning, To: domain.PhaseLibraryConsult})
	o.Observe(Event{Kind: KindAborted, SessionID: "s", ErrorClass: "SessionTimeoutError"})

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, "session event", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "SessionTimeoutError", entries[1].ContextMap()["error_class"])
}
