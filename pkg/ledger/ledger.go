// Package ledger persists conversations, bookings and coin balances.
//
// Every write lands in the local store first and only then is mirrored to the
// optional remote store. A remote failure never fails the caller: it is logged,
// counted in Health, and handed to the replay queue when one is configured.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"repairhub/internal/util"
	"repairhub/pkg/domain"
	"repairhub/pkg/queue"
	"repairhub/pkg/store"
)

var (
	ErrAlreadyBooked = errors.New("quote already booked")
	ErrNegativeDelta = errors.New("coin delta must not be negative")
)

// Replay job kinds.
const (
	KindMessage = "message"
	KindExpert  = "expert"
	KindBooking = "booking"
	KindCoins   = "coins"
)

// Replayer queues remote writes that failed.
type Replayer interface {
	Enqueue(ctx context.Context, kind, userID string, payload []byte) (queue.ReplayJob, error)
	Pending(ctx context.Context) (int64, error)
}

type Config struct {
	Local  store.Store
	Remote store.Store
	Replay Replayer
	// PreferRemoteReads reads from the remote first and falls back to local.
	PreferRemoteReads bool
	RemoteTimeout     time.Duration
	Now               func() time.Time
}

// RemoteHealth is the observable state of the remote mirror.
type RemoteHealth struct {
	Configured          bool      `json:"configured"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitzero"`
	LastSuccessAt       time.Time `json:"lastSuccessAt,omitzero"`
	PendingReplays      int64     `json:"pendingReplays"`
}

type Ledger struct {
	local             store.Store
	remote            store.Store
	replay            Replayer
	preferRemoteReads bool
	remoteTimeout     time.Duration
	now               func() time.Time

	// serializes read-modify-write on coins and the booking duplicate check
	writeMu sync.Mutex

	healthMu sync.Mutex
	health   RemoteHealth
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Local == nil {
		return nil, errors.New("ledger: local store is required")
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		local:             cfg.Local,
		remote:            cfg.Remote,
		replay:            cfg.Replay,
		preferRemoteReads: cfg.PreferRemoteReads && cfg.Remote != nil,
		remoteTimeout:     timeout,
		now:               now,
		health:            RemoteHealth{Configured: cfg.Remote != nil, Healthy: cfg.Remote != nil},
	}, nil
}

// ListMessages returns the (user, expert) thread in append order. It does not
// fail: an unreadable thread is logged and reported as empty.
func (l *Ledger) ListMessages(ctx context.Context, userID, expertName string) ([]domain.ChatMessage, error) {
	if l.preferRemoteReads {
		msgs, err := remoteRead(l, ctx, "list_messages", func(ctx context.Context) ([]domain.ChatMessage, error) {
			return l.remote.ListMessages(ctx, userID, expertName)
		})
		if err == nil {
			return msgs, nil
		}
	}
	msgs, err := l.local.ListMessages(ctx, userID, expertName)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("local thread unreadable, starting empty",
			"user_id", userID, "expert", expertName, "err", err)
		return []domain.ChatMessage{}, nil
	}
	return msgs, nil
}

// AppendMessage persists msg locally, then mirrors it. The expert is added to
// the contacted index as well.
func (l *Ledger) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := l.local.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	l.mirror(ctx, KindMessage, msg.UserID, msg, func(ctx context.Context) error {
		return l.remote.AppendMessage(ctx, msg)
	})
	return l.EnsureExpert(ctx, msg.UserID, msg.ExpertName)
}

// EnsureExpert adds expertName to the contacted index; idempotent.
func (l *Ledger) EnsureExpert(ctx context.Context, userID, expertName string) error {
	userID, expertName = strings.TrimSpace(userID), strings.TrimSpace(expertName)
	if userID == "" || expertName == "" {
		return fmt.Errorf("%w: user id and expert name required", domain.ErrInvalidRecord)
	}
	if err := l.local.AddExpert(ctx, userID, expertName); err != nil {
		return fmt.Errorf("ensure expert: %w", err)
	}
	l.mirror(ctx, KindExpert, userID, expertEntry{UserID: userID, ExpertName: expertName}, func(ctx context.Context) error {
		return l.remote.AddExpert(ctx, userID, expertName)
	})
	return nil
}

// ListContactedExperts returns expert names in first-contact order.
func (l *Ledger) ListContactedExperts(ctx context.Context, userID string) ([]string, error) {
	if l.preferRemoteReads {
		experts, err := remoteRead(l, ctx, "list_experts", func(ctx context.Context) ([]string, error) {
			return l.remote.ListExperts(ctx, userID)
		})
		if err == nil {
			return experts, nil
		}
	}
	experts, err := l.local.ListExperts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list experts: %w", err)
	}
	return experts, nil
}

// ListBookings returns bookings most recent first.
func (l *Ledger) ListBookings(ctx context.Context, userID string) ([]domain.Booking, error) {
	if l.preferRemoteReads {
		bookings, err := remoteRead(l, ctx, "list_bookings", func(ctx context.Context) ([]domain.Booking, error) {
			return l.remote.ListBookings(ctx, userID)
		})
		if err == nil {
			return bookings, nil
		}
	}
	bookings, err := l.local.ListBookings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, nil
}

// AddBooking persists b. ID and CreatedAt are filled when empty. A quote
// message can be booked only once.
func (l *Ledger) AddBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if strings.TrimSpace(b.ID) == "" {
		b.ID = util.NewID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = l.now()
	}
	if err := b.Validate(); err != nil {
		return domain.Booking{}, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if b.QuoteMessageID != "" {
		existing, err := l.local.ListBookings(ctx, b.UserID)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("check existing bookings: %w", err)
		}
		for _, e := range existing {
			if e.QuoteMessageID == b.QuoteMessageID {
				return e, ErrAlreadyBooked
			}
		}
	}
	if err := l.local.SaveBooking(ctx, b); err != nil {
		return domain.Booking{}, fmt.Errorf("add booking: %w", err)
	}
	l.mirror(ctx, KindBooking, b.UserID, b, func(ctx context.Context) error {
		return l.remote.SaveBooking(ctx, b)
	})
	return b, nil
}

// CoinBalance returns the user's balance; 0 when no balance exists.
func (l *Ledger) CoinBalance(ctx context.Context, userID string) (int, error) {
	balance, ok, err := l.local.GetCoins(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("coin balance: %w", err)
	}
	if ok || l.remote == nil {
		return balance, nil
	}
	// first run on this device: adopt the remote balance if there is one
	remote, err := remoteRead(l, ctx, "get_coins", func(ctx context.Context) (coinsEntry, error) {
		b, found, err := l.remote.GetCoins(ctx, userID)
		return coinsEntry{UserID: userID, Balance: b, Found: found}, err
	})
	if err != nil || !remote.Found {
		return 0, nil
	}
	if err := l.local.SetCoins(ctx, userID, remote.Balance); err != nil {
		slog.Warn("seeding local coin balance failed", "user_id", userID, "err", err)
	}
	return remote.Balance, nil
}

// AddCoins credits delta and returns the new balance.
func (l *Ledger) AddCoins(ctx context.Context, userID string, delta int) (int, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user id required", domain.ErrInvalidRecord)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	current, err := l.CoinBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	balance := current + delta
	if err := l.local.SetCoins(ctx, userID, balance); err != nil {
		return 0, fmt.Errorf("add coins: %w", err)
	}
	l.mirror(ctx, KindCoins, userID, coinsEntry{UserID: userID, Balance: balance, Found: true}, func(ctx context.Context) error {
		return l.remote.SetCoins(ctx, userID, balance)
	})
	return balance, nil
}

// Health reports the remote mirror state.
func (l *Ledger) Health(ctx context.Context) RemoteHealth {
	l.healthMu.Lock()
	h := l.health
	l.healthMu.Unlock()
	if l.replay != nil {
		if n, err := l.replay.Pending(ctx); err == nil {
			h.PendingReplays = n
		}
	}
	return h
}

// ApplyReplay re-sends a queued remote write. Returning an error keeps the job
// queued for another attempt.
func (l *Ledger) ApplyReplay(ctx context.Context, job queue.ReplayJob) error {
	if l.remote == nil {
		return nil
	}
	var apply func(context.Context) error
	switch job.Kind {
	case KindMessage:
		var msg domain.ChatMessage
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			return nil // undecodable jobs are dropped
		}
		apply = func(ctx context.Context) error { return l.remote.AppendMessage(ctx, msg) }
	case KindExpert:
		var e expertEntry
		if err := json.Unmarshal(job.Payload, &e); err != nil {
			return nil
		}
		apply = func(ctx context.Context) error { return l.remote.AddExpert(ctx, e.UserID, e.ExpertName) }
	case KindBooking:
		var b domain.Booking
		if err := json.Unmarshal(job.Payload, &b); err != nil {
			return nil
		}
		apply = func(ctx context.Context) error { return l.remote.SaveBooking(ctx, b) }
	case KindCoins:
		// the latest local balance wins over the queued snapshot
		balance, ok, err := l.local.GetCoins(ctx, job.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		apply = func(ctx context.Context) error { return l.remote.SetCoins(ctx, job.UserID, balance) }
	default:
		slog.Warn("dropping replay job of unknown kind", "kind", job.Kind, "job_id", job.ID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.remoteTimeout)
	defer cancel()
	if err := apply(ctx); err != nil {
		l.recordFailure(err)
		return err
	}
	l.recordSuccess()
	return nil
}

type expertEntry struct {
	UserID     string `json:"userId"`
	ExpertName string `json:"expertName"`
}

type coinsEntry struct {
	UserID  string `json:"userId"`
	Balance int    `json:"balance"`
	Found   bool   `json:"-"`
}

func (l *Ledger) mirror(ctx context.Context, kind, userID string, record any, write func(context.Context) error) {
	if l.remote == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.remoteTimeout)
	defer cancel()
	err := write(rctx)
	if err == nil {
		l.recordSuccess()
		return
	}
	l.recordFailure(err)
	logger := util.LoggerFromContext(ctx)
	logger.Warn("remote write failed", "kind", kind, "user_id", userID, "err", err)
	if l.replay == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		logger.Warn("encode replay payload failed", "kind", kind, "err", err)
		return
	}
	if _, err := l.replay.Enqueue(context.WithoutCancel(ctx), kind, userID, payload); err != nil {
		logger.Warn("enqueue remote replay failed", "kind", kind, "user_id", userID, "err", err)
	}
}

func remoteRead[T any](l *Ledger, ctx context.Context, op string, read func(context.Context) (T, error)) (T, error) {
	rctx, cancel := context.WithTimeout(ctx, l.remoteTimeout)
	defer cancel()
	v, err := read(rctx)
	if err != nil {
		l.recordFailure(err)
		util.LoggerFromContext(ctx).Warn("remote read failed, using local", "op", op, "err", err)
		return v, err
	}
	l.recordSuccess()
	return v, nil
}

func (l *Ledger) recordFailure(err error) {
	l.healthMu.Lock()
	defer l.healthMu.Unlock()
	l.health.Healthy = false
	l.health.ConsecutiveFailures++
	l.health.LastError = err.Error()
	l.health.LastFailureAt = l.now()
}

func (l *Ledger) recordSuccess() {
	l.healthMu.Lock()
	defer l.healthMu.Unlock()
	l.health.Healthy = true
	l.health.ConsecutiveFailures = 0
	l.health.LastSuccessAt = l.now()
}
