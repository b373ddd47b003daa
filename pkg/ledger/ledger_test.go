package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repairhub/pkg/domain"
	"repairhub/pkg/queue"
	"repairhub/pkg/store"
)

var errRemoteDown = errors.New("remote unavailable")

// flakyStore wraps a MemoryStore and fails every call while down is set.
type flakyStore struct {
	*store.MemoryStore
	down atomic.Bool
}

func newFlaky() *flakyStore { return &flakyStore{MemoryStore: store.NewMemoryStore()} }

func (f *flakyStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	if f.down.Load() {
		return errRemoteDown
	}
	return f.MemoryStore.AppendMessage(ctx, msg)
}

func (f *flakyStore) ListMessages(ctx context.Context, userID, expertName string) ([]domain.ChatMessage, error) {
	if f.down.Load() {
		return nil, errRemoteDown
	}
	return f.MemoryStore.ListMessages(ctx, userID, expertName)
}

func (f *flakyStore) AddExpert(ctx context.Context, userID, expertName string) error {
	if f.down.Load() {
		return errRemoteDown
	}
	return f.MemoryStore.AddExpert(ctx, userID, expertName)
}

func (f *flakyStore) SaveBooking(ctx context.Context, b domain.Booking) error {
	if f.down.Load() {
		return errRemoteDown
	}
	return f.MemoryStore.SaveBooking(ctx, b)
}

func (f *flakyStore) GetCoins(ctx context.Context, userID string) (int, bool, error) {
	if f.down.Load() {
		return 0, false, errRemoteDown
	}
	return f.MemoryStore.GetCoins(ctx, userID)
}

func (f *flakyStore) SetCoins(ctx context.Context, userID string, balance int) error {
	if f.down.Load() {
		return errRemoteDown
	}
	return f.MemoryStore.SetCoins(ctx, userID, balance)
}

type recordingReplayer struct {
	mu   sync.Mutex
	jobs []queue.ReplayJob
}

func (r *recordingReplayer) Enqueue(_ context.Context, kind, userID string, payload []byte) (queue.ReplayJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := queue.ReplayJob{ID: kind + "-job", Kind: kind, UserID: userID, Payload: payload}
	r.jobs = append(r.jobs, job)
	return job, nil
}

func (r *recordingReplayer) Pending(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.jobs)), nil
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func userMsg(id, text string) domain.ChatMessage {
	return domain.ChatMessage{ID: id, UserID: "u1", ExpertName: "CoolCare Tech", Role: domain.RoleUser, Text: text, CreatedAt: t0}
}

func newLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	if cfg.Local == nil {
		cfg.Local = store.NewMemoryStore()
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func TestNewRequiresLocal(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without local store")
	}
}

func TestAppendMessageMirrorsToRemote(t *testing.T) {
	local, remote := store.NewMemoryStore(), newFlaky()
	l := newLedger(t, Config{Local: local, Remote: remote})
	ctx := context.Background()

	if err := l.AppendMessage(ctx, userMsg("m1", "AC is leaking")); err != nil {
		t.Fatalf("append: %v", err)
	}
	for name, s := range map[string]store.Store{"local": local, "remote": remote} {
		msgs, _ := s.ListMessages(ctx, "u1", "CoolCare Tech")
		if len(msgs) != 1 || msgs[0].Text != "AC is leaking" {
			t.Fatalf("%s store: unexpected messages %+v", name, msgs)
		}
	}
	if h := l.Health(ctx); !h.Configured || !h.Healthy {
		t.Fatalf("expected healthy remote, got %+v", h)
	}
}

func TestRemoteFailureIsBestEffort(t *testing.T) {
	remote := newFlaky()
	remote.down.Store(true)
	replay := &recordingReplayer{}
	l := newLedger(t, Config{Remote: remote, Replay: replay})
	ctx := context.Background()

	if err := l.AppendMessage(ctx, userMsg("m1", "hello")); err != nil {
		t.Fatalf("append must succeed while remote is down: %v", err)
	}
	if err := l.EnsureExpert(ctx, "u1", "CoolCare Tech"); err != nil {
		t.Fatalf("ensure expert: %v", err)
	}
	msgs, err := l.ListMessages(ctx, "u1", "CoolCare Tech")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("local read-back failed: %+v err=%v", msgs, err)
	}

	// message + index entry from the append, index entry from EnsureExpert
	h := l.Health(ctx)
	if h.Healthy || h.ConsecutiveFailures != 3 || h.LastError == "" || h.PendingReplays != 3 {
		t.Fatalf("unexpected health: %+v", h)
	}

	remote.down.Store(false)
	for _, job := range replay.jobs {
		if err := l.ApplyReplay(ctx, job); err != nil {
			t.Fatalf("apply replay %s: %v", job.Kind, err)
		}
	}
	got, _ := remote.MemoryStore.ListMessages(ctx, "u1", "CoolCare Tech")
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("replayed message missing on remote: %+v", got)
	}
	experts, _ := remote.MemoryStore.ListExperts(ctx, "u1")
	if len(experts) != 1 {
		t.Fatalf("replayed expert missing on remote: %v", experts)
	}
	if h := l.Health(ctx); !h.Healthy || h.ConsecutiveFailures != 0 {
		t.Fatalf("expected recovery after replay, got %+v", h)
	}
}

func TestAppendMessageRejectsInvalid(t *testing.T) {
	l := newLedger(t, Config{})
	bad := userMsg("", "x")
	if err := l.AppendMessage(context.Background(), bad); !errors.Is(err, domain.ErrInvalidRecord) {
		t.Fatalf("expected invalid record, got %v", err)
	}
}

func TestEnsureExpertIdempotent(t *testing.T) {
	l := newLedger(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.EnsureExpert(ctx, "u1", "CoolCare Tech"); err != nil {
			t.Fatalf("ensure expert: %v", err)
		}
	}
	experts, err := l.ListContactedExperts(ctx, "u1")
	if err != nil || len(experts) != 1 {
		t.Fatalf("experts = %v err=%v", experts, err)
	}
}

func TestAddBookingRejectsDoubleBooking(t *testing.T) {
	l := newLedger(t, Config{Now: func() time.Time { return t0 }})
	ctx := context.Background()
	arrival := t0.Add(10 * time.Minute)
	b := domain.Booking{UserID: "u1", ExpertName: "CoolCare Tech", ServiceName: "AC Repair", Context: domain.ContextOnsite,
		QuoteMessageID: "q1", Status: domain.StatusInProgress, TotalDisplay: "₹830", TotalAmount: 830, ArrivalAt: &arrival}

	first, err := l.AddBooking(ctx, b)
	if err != nil {
		t.Fatalf("add booking: %v", err)
	}
	if first.ID == "" || !first.CreatedAt.Equal(t0) {
		t.Fatalf("expected generated id and timestamp, got %+v", first)
	}
	again, err := l.AddBooking(ctx, b)
	if !errors.Is(err, ErrAlreadyBooked) || again.ID != first.ID {
		t.Fatalf("expected ErrAlreadyBooked returning the original, got %+v err=%v", again, err)
	}
	bookings, _ := l.ListBookings(ctx, "u1")
	if len(bookings) != 1 {
		t.Fatalf("expected one booking, got %d", len(bookings))
	}

	noArrival := b
	noArrival.QuoteMessageID = "q2"
	noArrival.ArrivalAt = nil
	if _, err := l.AddBooking(ctx, noArrival); !errors.Is(err, domain.ErrInvalidRecord) {
		t.Fatalf("in-progress booking without arrival must be rejected, got %v", err)
	}
}

func TestAddCoins(t *testing.T) {
	remote := newFlaky()
	l := newLedger(t, Config{Remote: remote})
	ctx := context.Background()

	if bal, err := l.CoinBalance(ctx, "u1"); err != nil || bal != 0 {
		t.Fatalf("initial balance = %d err=%v, want 0", bal, err)
	}
	if _, err := l.AddCoins(ctx, "u1", -1); !errors.Is(err, ErrNegativeDelta) {
		t.Fatalf("expected ErrNegativeDelta, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.AddCoins(ctx, "u1", 5); err != nil {
				t.Errorf("add coins: %v", err)
			}
		}()
	}
	wg.Wait()
	if bal, _ := l.CoinBalance(ctx, "u1"); bal != 100 {
		t.Fatalf("balance = %d, want 100", bal)
	}
	if bal, _, _ := remote.MemoryStore.GetCoins(ctx, "u1"); bal != 100 {
		t.Fatalf("remote balance = %d, want 100", bal)
	}
}

func TestCoinBalanceAdoptsRemote(t *testing.T) {
	local, remote := store.NewMemoryStore(), newFlaky()
	ctx := context.Background()
	_ = remote.MemoryStore.SetCoins(ctx, "u1", 250)
	l := newLedger(t, Config{Local: local, Remote: remote})

	if bal, err := l.CoinBalance(ctx, "u1"); err != nil || bal != 250 {
		t.Fatalf("balance = %d err=%v, want 250", bal, err)
	}
	if bal, ok, _ := local.GetCoins(ctx, "u1"); !ok || bal != 250 {
		t.Fatalf("local balance not seeded: %d ok=%v", bal, ok)
	}
}

func TestPreferRemoteReadsFallsBack(t *testing.T) {
	local, remote := store.NewMemoryStore(), newFlaky()
	ctx := context.Background()
	_ = local.AppendMessage(ctx, userMsg("local-only", "from local"))
	_ = remote.MemoryStore.AppendMessage(ctx, userMsg("remote-only", "from remote"))
	l := newLedger(t, Config{Local: local, Remote: remote, PreferRemoteReads: true})

	msgs, err := l.ListMessages(ctx, "u1", "CoolCare Tech")
	if err != nil || len(msgs) != 1 || msgs[0].ID != "remote-only" {
		t.Fatalf("expected remote read, got %+v err=%v", msgs, err)
	}
	remote.down.Store(true)
	msgs, err = l.ListMessages(ctx, "u1", "CoolCare Tech")
	if err != nil || len(msgs) != 1 || msgs[0].ID != "local-only" {
		t.Fatalf("expected local fallback, got %+v err=%v", msgs, err)
	}
}

func TestApplyReplayCoinsUsesLatestLocalBalance(t *testing.T) {
	local, remote := store.NewMemoryStore(), newFlaky()
	ctx := context.Background()
	l := newLedger(t, Config{Local: local, Remote: remote})
	_ = local.SetCoins(ctx, "u1", 90)

	if err := l.ApplyReplay(ctx, queue.ReplayJob{Kind: KindCoins, UserID: "u1", Payload: []byte(`{"balance":10}`)}); err != nil {
		t.Fatalf("apply replay: %v", err)
	}
	if bal, _, _ := remote.MemoryStore.GetCoins(ctx, "u1"); bal != 90 {
		t.Fatalf("remote balance = %d, want 90", bal)
	}
	remote.down.Store(true)
	if err := l.ApplyReplay(ctx, queue.ReplayJob{Kind: KindCoins, UserID: "u1"}); err == nil {
		t.Fatalf("expected error while remote is down so the job is retried")
	}
}

// unreadableStore fails every thread read.
type unreadableStore struct {
	*store.MemoryStore
}

func (unreadableStore) ListMessages(context.Context, string, string) ([]domain.ChatMessage, error) {
	return nil, errors.New("database disk image is malformed")
}

func TestListMessagesNeverFails(t *testing.T) {
	l := newLedger(t, Config{Local: unreadableStore{store.NewMemoryStore()}})
	msgs, err := l.ListMessages(context.Background(), "u1", "CoolCare Tech")
	if err != nil {
		t.Fatalf("list messages must not fail, got %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected an empty thread, got %#v", msgs)
	}
}
