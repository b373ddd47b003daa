package store

import (
	"context"
	"sort"
	"sync"

	"repairhub/pkg/domain"
)

// MemoryStore keeps ledger data in-process. Useful for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string][]domain.ChatMessage // key: user + expert
	seen     map[string]struct{}             // message IDs
	experts  map[string][]string             // user ID -> expert names
	bookings map[string][]domain.Booking     // user ID -> insertion order
	coins    map[string]int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string][]domain.ChatMessage),
		seen:     make(map[string]struct{}),
		experts:  make(map[string][]string),
		bookings: make(map[string][]domain.Booking),
		coins:    make(map[string]int),
	}
}

func threadKey(userID, expertName string) string {
	return userID + "\x00" + expertName
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[msg.ID]; ok {
		return nil
	}
	m.seen[msg.ID] = struct{}{}
	key := threadKey(msg.UserID, msg.ExpertName)
	m.threads[key] = append(m.threads[key], msg)
	return nil
}

// ListMessages returns a thread ordered by creation time, ties in append order.
func (m *MemoryStore) ListMessages(_ context.Context, userID, expertName string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread := m.threads[threadKey(userID, expertName)]
	res := make([]domain.ChatMessage, len(thread))
	copy(res, thread)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) AddExpert(_ context.Context, userID, expertName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.experts[userID] {
		if name == expertName {
			return nil
		}
	}
	m.experts[userID] = append(m.experts[userID], expertName)
	return nil
}

func (m *MemoryStore) ListExperts(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.experts[userID]...), nil
}

// SaveBooking stores a booking; saving an existing ID updates status and arrival.
func (m *MemoryStore) SaveBooking(_ context.Context, b domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bookings[b.UserID]
	for i := range list {
		if list[i].ID == b.ID {
			list[i].Status = b.Status
			list[i].ArrivalAt = b.ArrivalAt
			return nil
		}
	}
	m.bookings[b.UserID] = append(list, b)
	return nil
}

// ListBookings returns bookings most recent first.
func (m *MemoryStore) ListBookings(_ context.Context, userID string) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.bookings[userID]
	res := make([]domain.Booking, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		res = append(res, list[i])
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (m *MemoryStore) GetCoins(_ context.Context, userID string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, ok := m.coins[userID]
	return balance, ok, nil
}

func (m *MemoryStore) SetCoins(_ context.Context, userID string, balance int) error {
	m.mu.Lock()
	m.coins[userID] = balance
	m.mu.Unlock()
	return nil
}
