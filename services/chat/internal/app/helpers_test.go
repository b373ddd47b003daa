package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"repairhub/pkg/ai"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
	"repairhub/pkg/store"
)

const coolCareReply = "Bhaiya, a gas top-up and capacitor change should fix it. This is a MODERATE issue.\n" +
	"BILL_BREAKDOWN: Labor: ₹4000, Delivery: ₹60, Distance: 7km, Total: ₹4060\n" +
	"Don't worry, we'll make it like new!"

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// generatorFunc adapts a function to ai.Generator.
type generatorFunc func(ctx context.Context, req ai.Request) (ai.Response, error)

func (f generatorFunc) Generate(ctx context.Context, req ai.Request) (ai.Response, error) {
	return f(ctx, req)
}

func replyWith(text string) generatorFunc {
	return func(context.Context, ai.Request) (ai.Response, error) {
		return ai.Response{Text: text}, nil
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.BookingEvent
	err    error
}

func (d *recordingDispatcher) PublishBooking(_ context.Context, event domain.BookingEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, event)
	return nil
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Config{Local: store.NewMemoryStore(), Now: func() time.Time { return t0 }})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

// newTestApp builds an App on a memory ledger. intN fixes arrival and
// fallback draws.
func newTestApp(t *testing.T, gen ai.Generator, dispatch Dispatcher, intN func(int) int) (*App, *ledger.Ledger) {
	t.Helper()
	l := newTestLedger(t)
	a, err := New(Config{
		Ledger:     l,
		Generator:  gen,
		Oracle:     OracleConfig{Timeout: 5 * time.Second, HistoryLimit: 12},
		Booking:    Policy{IntN: intN, Location: time.UTC},
		Dispatcher: dispatch,
		Now:        func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a, l
}

func fixedIntN(v int) func(int) int {
	return func(n int) int {
		if v >= n {
			return n - 1
		}
		return v
	}
}
