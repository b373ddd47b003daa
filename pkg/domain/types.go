package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// QuoteMarker is the literal tag an expert reply carries when it contains a
// bookable price breakdown.
const QuoteMarker = "BILL_BREAKDOWN"

// ErrInvalidRecord is returned when a record fails validation at the ledger boundary.
var ErrInvalidRecord = errors.New("invalid record")

type Role string

const (
	RoleUser   Role = "user"
	RoleExpert Role = "expert"
)

type ServiceContext string

const (
	ContextPickup ServiceContext = "pickup"
	ContextOnsite ServiceContext = "onsite"
)

// ParseServiceContext normalizes a context tag. Empty input maps to pickup.
func ParseServiceContext(raw string) (ServiceContext, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ContextPickup):
		return ContextPickup, nil
	case string(ContextOnsite):
		return ContextOnsite, nil
	default:
		return "", fmt.Errorf("unknown service context: %q", raw)
	}
}

type BookingStatus string

const (
	StatusBooked     BookingStatus = "booked"
	StatusInProgress BookingStatus = "In Progress"
	StatusCompleted  BookingStatus = "Completed"
	StatusCancelled  BookingStatus = "Cancelled"
)

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
)

// Source is a citation attached to an expert reply.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// ChatMessage is one turn in a (user, expert) thread. Image bytes travel as
// base64 in JSON.
type ChatMessage struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	ExpertName string    `json:"expertName"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	Image      []byte    `json:"image,omitempty"`
	Sources    []Source  `json:"sources,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HasQuote reports whether the message offers a booking affordance.
func (m ChatMessage) HasQuote() bool {
	return m.Role == RoleExpert && strings.Contains(m.Text, QuoteMarker)
}

// Validate checks the fields required before a message can be persisted.
func (m ChatMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: message id required", ErrInvalidRecord)
	case strings.TrimSpace(m.UserID) == "":
		return fmt.Errorf("%w: message user id required", ErrInvalidRecord)
	case strings.TrimSpace(m.ExpertName) == "":
		return fmt.Errorf("%w: message expert name required", ErrInvalidRecord)
	case m.Role != RoleUser && m.Role != RoleExpert:
		return fmt.Errorf("%w: message role %q", ErrInvalidRecord, m.Role)
	case m.Text == "" && len(m.Image) == 0:
		return fmt.Errorf("%w: message has neither text nor image", ErrInvalidRecord)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: message timestamp required", ErrInvalidRecord)
	}
	return nil
}

// Quote is a price breakdown extracted from an expert reply.
type Quote struct {
	Labor        int      `json:"labor"`
	Delivery     int      `json:"delivery"`
	DistanceKm   float64  `json:"distanceKm"`
	Total        int      `json:"total"`
	TotalDisplay string   `json:"totalDisplay"`
	Severity     Severity `json:"severity,omitempty"`
	// Parsed is false when Total is a placeholder.
	Parsed bool `json:"parsed"`
}

// Booking is a repair record created when a quote is confirmed.
type Booking struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	ServiceName    string         `json:"serviceName"`
	ExpertName     string         `json:"expertName"`
	Context        ServiceContext `json:"context"`
	QuoteMessageID string         `json:"quoteMessageId,omitempty"`
	Status         BookingStatus  `json:"status"`
	TotalDisplay   string         `json:"total"`
	TotalAmount    int            `json:"totalAmount"`
	ArrivalAt      *time.Time     `json:"arrivalAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Validate enforces the booking invariants.
func (b Booking) Validate() error {
	switch {
	case strings.TrimSpace(b.ID) == "":
		return fmt.Errorf("%w: booking id required", ErrInvalidRecord)
	case strings.TrimSpace(b.UserID) == "":
		return fmt.Errorf("%w: booking user id required", ErrInvalidRecord)
	case strings.TrimSpace(b.ExpertName) == "":
		return fmt.Errorf("%w: booking expert name required", ErrInvalidRecord)
	case b.TotalAmount < 0:
		return fmt.Errorf("%w: booking total must not be negative", ErrInvalidRecord)
	case b.CreatedAt.IsZero():
		return fmt.Errorf("%w: booking timestamp required", ErrInvalidRecord)
	}
	switch b.Status {
	case StatusBooked, StatusCompleted, StatusCancelled:
	case StatusInProgress:
		if b.ArrivalAt == nil || b.ArrivalAt.IsZero() {
			return fmt.Errorf("%w: in-progress booking requires an arrival time", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: booking status %q", ErrInvalidRecord, b.Status)
	}
	return nil
}

// CoinBalance is the Repair Coins balance of a user.
type CoinBalance struct {
	UserID  string `json:"userId"`
	Balance int    `json:"balance"`
}

// BookingEvent is published to the dispatch exchange after a booking is written.
type BookingEvent struct {
	BookingID   string         `json:"bookingId"`
	UserID      string         `json:"userId"`
	ExpertName  string         `json:"expertName"`
	ServiceName string         `json:"serviceName"`
	Context     ServiceContext `json:"context"`
	AssigneeRef string         `json:"assigneeRef"`
	TotalAmount int            `json:"totalAmount"`
	ArrivalAt   time.Time      `json:"arrivalAt"`
	CreatedAt   time.Time      `json:"createdAt"`
}
