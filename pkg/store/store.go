package store

import (
	"context"

	"repairhub/pkg/domain"
)

// Store is one persistence target of the ledger. The local SQLite store and the
// remote Postgres store both implement it.
type Store interface {
	// messages
	AppendMessage(ctx context.Context, msg domain.ChatMessage) error
	ListMessages(ctx context.Context, userID, expertName string) ([]domain.ChatMessage, error)

	// contacted-experts index
	AddExpert(ctx context.Context, userID, expertName string) error
	ListExperts(ctx context.Context, userID string) ([]string, error)

	// bookings
	SaveBooking(ctx context.Context, b domain.Booking) error
	ListBookings(ctx context.Context, userID string) ([]domain.Booking, error)

	// coins
	GetCoins(ctx context.Context, userID string) (int, bool, error)
	SetCoins(ctx context.Context, userID string, balance int) error
}
