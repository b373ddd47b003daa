package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"repairhub/internal/util"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
	"repairhub/pkg/quote"
)

const (
	DefaultCoinRate   = 0.10
	DefaultArrivalMin = 5 * time.Minute
	DefaultArrivalMax = 30 * time.Minute
)

// Dispatcher announces confirmed bookings to field staff.
type Dispatcher interface {
	PublishBooking(ctx context.Context, event domain.BookingEvent) error
}

// Policy controls how a confirmed quote becomes a booking.
type Policy struct {
	CoinRate    float64
	FallbackMin int
	FallbackMax int
	ArrivalMin  time.Duration
	ArrivalMax  time.Duration
	// Location renders the arrival clock time. Nil means time.Local.
	Location *time.Location
	IntN     func(n int) int
	Now      func() time.Time
}

func (p Policy) withDefaults() Policy {
	if p.CoinRate <= 0 {
		p.CoinRate = DefaultCoinRate
	}
	if p.FallbackMin <= 0 {
		p.FallbackMin = quote.DefaultFallbackMin
	}
	if p.FallbackMax <= p.FallbackMin {
		p.FallbackMax = quote.DefaultFallbackMax
	}
	if p.ArrivalMin <= 0 {
		p.ArrivalMin = DefaultArrivalMin
	}
	if p.ArrivalMax < p.ArrivalMin {
		p.ArrivalMax = DefaultArrivalMax
	}
	if p.Location == nil {
		p.Location = time.Local
	}
	if p.IntN == nil {
		p.IntN = rand.IntN
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

// CoinsFor returns the Repair Coins earned on total.
func CoinsFor(total int, rate float64) int {
	if total <= 0 || rate <= 0 {
		return 0
	}
	return int(math.Floor(float64(total)*rate + 1e-9))
}

// ConfirmRequest identifies the quote being accepted.
type ConfirmRequest struct {
	UserID      string
	ExpertName  string
	ServiceName string
	Context     domain.ServiceContext
	Quote       domain.ChatMessage
	// At stamps the confirmation. Zero uses the policy clock.
	At time.Time
}

// Confirmation is the outcome of a booking. Fields of steps that failed stay
// zero.
type Confirmation struct {
	Booking     domain.Booking     `json:"booking"`
	Message     domain.ChatMessage `json:"message"`
	Quote       domain.Quote       `json:"quote"`
	AssigneeRef string             `json:"assigneeRef"`
	CoinsEarned int                `json:"coinsEarned"`
	Balance     int                `json:"balance"`
	Dispatched  bool               `json:"dispatched"`
}

// Finalizer turns an accepted quote into a booking, a confirmation message
// and a coin credit, in that order.
type Finalizer struct {
	ledger    *ledger.Ledger
	policy    Policy
	extractor quote.Extractor
	dispatch  Dispatcher
}

func NewFinalizer(l *ledger.Ledger, policy Policy, dispatch Dispatcher) *Finalizer {
	policy = policy.withDefaults()
	return &Finalizer{
		ledger: l,
		policy: policy,
		extractor: quote.Extractor{
			FallbackMin: policy.FallbackMin,
			FallbackMax: policy.FallbackMax,
			IntN:        policy.IntN,
		},
		dispatch: dispatch,
	}
}

// Finalize books req.Quote. Steps are not rolled back: when a later step
// fails the earlier writes stay and the first error is returned alongside
// whatever completed. Dispatch failures are logged only.
func (f *Finalizer) Finalize(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	logger := util.LoggerFromContext(ctx)
	if !req.Quote.HasQuote() {
		return Confirmation{}, ErrNoQuote
	}
	at := req.At
	if at.IsZero() {
		at = f.policy.Now()
	}

	q := f.extractor.Extract(req.Quote.Text)
	if !q.Parsed {
		logger.Warn("quote total unreadable, using placeholder", "message_id", req.Quote.ID, "total", q.Total)
	}
	arrival := at.Add(f.arrivalOffset())
	conf := Confirmation{Quote: q, CoinsEarned: CoinsFor(q.Total, f.policy.CoinRate)}

	booking, err := f.ledger.AddBooking(ctx, domain.Booking{
		ID:             util.NewID(),
		UserID:         req.UserID,
		ServiceName:    req.ServiceName,
		ExpertName:     req.ExpertName,
		Context:        req.Context,
		QuoteMessageID: req.Quote.ID,
		Status:         domain.StatusInProgress,
		TotalDisplay:   q.TotalDisplay,
		TotalAmount:    q.Total,
		ArrivalAt:      &arrival,
		CreatedAt:      at,
	})
	if errors.Is(err, ledger.ErrAlreadyBooked) {
		return Confirmation{Booking: booking, Quote: q}, err
	}
	var firstErr error
	if err != nil {
		firstErr = fmt.Errorf("write booking: %w", err)
		logger.Error("booking write failed", "user_id", req.UserID, "expert", req.ExpertName, "err", err)
	} else {
		conf.Booking = booking
		conf.AssigneeRef = assigneeRef(req.Context, booking.ID)
	}

	msg := domain.ChatMessage{
		ID:         util.NewID(),
		UserID:     req.UserID,
		ExpertName: req.ExpertName,
		Role:       domain.RoleExpert,
		Text:       f.confirmationText(req.Context, conf.AssigneeRef, arrival, at, q.TotalDisplay, conf.CoinsEarned),
		CreatedAt:  at,
	}
	if err := f.ledger.AppendMessage(ctx, msg); err != nil {
		logger.Error("confirmation message write failed", "user_id", req.UserID, "err", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("write confirmation: %w", err)
		}
	} else {
		conf.Message = msg
	}

	balance, err := f.ledger.AddCoins(ctx, req.UserID, conf.CoinsEarned)
	if err != nil {
		logger.Error("coin credit failed", "user_id", req.UserID, "coins", conf.CoinsEarned, "err", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("credit coins: %w", err)
		}
	} else {
		conf.Balance = balance
	}

	if conf.Booking.ID != "" && f.dispatch != nil {
		event := domain.BookingEvent{
			BookingID:   conf.Booking.ID,
			UserID:      req.UserID,
			ExpertName:  req.ExpertName,
			ServiceName: req.ServiceName,
			Context:     req.Context,
			AssigneeRef: conf.AssigneeRef,
			TotalAmount: q.Total,
			ArrivalAt:   arrival,
			CreatedAt:   at,
		}
		if err := f.dispatch.PublishBooking(context.WithoutCancel(ctx), event); err != nil {
			logger.Warn("dispatch publish failed", "booking_id", conf.Booking.ID, "err", err)
		} else {
			conf.Dispatched = true
		}
	}
	return conf, firstErr
}

// arrivalOffset picks whole minutes in [ArrivalMin, ArrivalMax].
func (f *Finalizer) arrivalOffset() time.Duration {
	minM := int(f.policy.ArrivalMin / time.Minute)
	maxM := int(f.policy.ArrivalMax / time.Minute)
	if maxM <= minM {
		return time.Duration(minM) * time.Minute
	}
	return time.Duration(minM+f.policy.IntN(maxM-minM+1)) * time.Minute
}

func (f *Finalizer) confirmationText(svcCtx domain.ServiceContext, ref string, arrival, at time.Time, total string, coins int) string {
	clock := arrival.In(f.policy.Location).Format("3:04 PM")
	mins := int(arrival.Sub(at) / time.Minute)
	if ref == "" {
		ref = "pending"
	}
	if svcCtx == domain.ContextOnsite {
		return fmt.Sprintf("✅ APPOINTMENT BOOKED! Specialist %s arriving at your location by %s (in %d mins). Total: %s. You earned %d Repair Coins!",
			ref, clock, mins, total, coins)
	}
	return fmt.Sprintf("✅ EXPRESS PICKUP CONFIRMED! Runner %s assigned, arriving by %s (in %d mins). Total: %s. You earned %d Repair Coins!",
		ref, clock, mins, total, coins)
}

func assigneeRef(svcCtx domain.ServiceContext, bookingID string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(bookingID, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	if svcCtx == domain.ContextOnsite {
		return "TECH_" + suffix
	}
	return "RUN_" + suffix
}
