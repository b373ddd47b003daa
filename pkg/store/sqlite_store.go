package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"repairhub/pkg/domain"
)

// SQLiteStore is the durable on-device store. It is the authoritative ledger target.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		slog.Debug("sqlite busy_timeout not applied", "err", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			slog.Debug("sqlite WAL not applied", "err", err)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expert_name TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			image BLOB,
			sources TEXT NOT NULL DEFAULT '[]',
			created_at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(user_id, expert_name, created_at_ns)`,
		`CREATE TABLE IF NOT EXISTS contacted_experts (
			user_id TEXT NOT NULL,
			expert_name TEXT NOT NULL,
			PRIMARY KEY (user_id, expert_name)
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			service_name TEXT NOT NULL DEFAULT '',
			expert_name TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			quote_message_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_display TEXT NOT NULL DEFAULT '',
			total_amount INTEGER NOT NULL DEFAULT 0,
			arrival_at_ns INTEGER,
			created_at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings(user_id, created_at_ns)`,
		`CREATE TABLE IF NOT EXISTS coin_balances (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL,
			updated_at_ns INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("sqlite migration failed: %w", err)
		}
	}
	return nil
}

// AppendMessage inserts a message. Re-appending the same id is a no-op.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	sources, err := json.Marshal(sourcesOrEmpty(msg.Sources))
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, user_id, expert_name, role, text, image, sources, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.ExpertName, string(msg.Role), msg.Text, msg.Image, string(sources), msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a thread in append order. Rows that fail to decode are skipped.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, expertName string) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, expert_name, role, text, image, sources, created_at_ns
		 FROM messages WHERE user_id = ? AND expert_name = ?
		 ORDER BY created_at_ns ASC, rowid ASC`,
		userID, expertName,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var (
			msg       domain.ChatMessage
			role      string
			image     []byte
			sources   string
			createdNs int64
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.ExpertName, &role, &msg.Text, &image, &sources, &createdNs); err != nil {
			slog.Warn("skipping unreadable message row", "err", err)
			continue
		}
		msg.Role = domain.Role(role)
		msg.Image = image
		msg.CreatedAt = time.Unix(0, createdNs).UTC()
		if sources != "" {
			if err := json.Unmarshal([]byte(sources), &msg.Sources); err != nil {
				slog.Warn("skipping message with malformed sources", "id", msg.ID, "err", err)
				continue
			}
			if len(msg.Sources) == 0 {
				msg.Sources = nil
			}
		}
		if err := msg.Validate(); err != nil {
			slog.Warn("skipping malformed message", "id", msg.ID, "err", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// AddExpert records expertName in the user's contacted-experts index.
func (s *SQLiteStore) AddExpert(ctx context.Context, userID, expertName string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO contacted_experts (user_id, expert_name) VALUES (?, ?)`,
		userID, expertName,
	); err != nil {
		return fmt.Errorf("insert expert: %w", err)
	}
	return nil
}

// ListExperts returns contacted experts in first-contact order.
func (s *SQLiteStore) ListExperts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT expert_name FROM contacted_experts WHERE user_id = ? ORDER BY rowid ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query experts: %w", err)
	}
	defer rows.Close()
	experts := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		experts = append(experts, name)
	}
	return experts, rows.Err()
}

// SaveBooking stores or replaces a booking.
func (s *SQLiteStore) SaveBooking(ctx context.Context, b domain.Booking) error {
	var arrival sql.NullInt64
	if b.ArrivalAt != nil {
		arrival = sql.NullInt64{Int64: b.ArrivalAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (id, user_id, service_name, expert_name, context, quote_message_id, status, total_display, total_amount, arrival_at_ns, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, arrival_at_ns = excluded.arrival_at_ns`,
		b.ID, b.UserID, b.ServiceName, b.ExpertName, string(b.Context), b.QuoteMessageID, string(b.Status),
		b.TotalDisplay, b.TotalAmount, arrival, b.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save booking: %w", err)
	}
	return nil
}

// ListBookings returns a user's bookings, most recent first.
func (s *SQLiteStore) ListBookings(ctx context.Context, userID string) ([]domain.Booking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, service_name, expert_name, context, quote_message_id, status, total_display, total_amount, arrival_at_ns, created_at_ns
		 FROM bookings WHERE user_id = ? ORDER BY created_at_ns DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()
	bookings := make([]domain.Booking, 0)
	for rows.Next() {
		var (
			b         domain.Booking
			svcCtx    string
			status    string
			arrival   sql.NullInt64
			createdNs int64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.ServiceName, &b.ExpertName, &svcCtx, &b.QuoteMessageID, &status,
			&b.TotalDisplay, &b.TotalAmount, &arrival, &createdNs); err != nil {
			slog.Warn("skipping unreadable booking row", "err", err)
			continue
		}
		b.Context = domain.ServiceContext(svcCtx)
		b.Status = domain.BookingStatus(status)
		b.CreatedAt = time.Unix(0, createdNs).UTC()
		if arrival.Valid {
			at := time.Unix(0, arrival.Int64).UTC()
			b.ArrivalAt = &at
		}
		if err := b.Validate(); err != nil {
			slog.Warn("skipping malformed booking", "id", b.ID, "err", err)
			continue
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// GetCoins returns the stored balance and whether a row exists.
func (s *SQLiteStore) GetCoins(ctx context.Context, userID string) (int, bool, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM coin_balances WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query coins: %w", err)
	}
	return balance, true, nil
}

// SetCoins upserts the balance.
func (s *SQLiteStore) SetCoins(ctx context.Context, userID string, balance int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coin_balances (user_id, balance, updated_at_ns) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at_ns = excluded.updated_at_ns`,
		userID, balance, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save coins: %w", err)
	}
	return nil
}

func sourcesOrEmpty(sources []domain.Source) []domain.Source {
	if sources == nil {
		return []domain.Source{}
	}
	return sources
}
