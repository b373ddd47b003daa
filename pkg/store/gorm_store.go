package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"repairhub/pkg/domain"
	"repairhub/pkg/storage"
)

const migrateLockID int64 = 51823917

type GormStoreOptions struct {
	Objects storage.ObjectStore
}

type GormStoreOption func(*GormStoreOptions)

// WithObjectStore keeps message photos in object storage instead of inline columns.
func WithObjectStore(objects storage.ObjectStore) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Objects = objects
	}
}

// GormStore implements Store against the hosted Postgres backend.
type GormStore struct {
	db      *gorm.DB
	objects storage.ObjectStore
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&MessageModel{}, &ContactedExpertModel{}, &BookingModel{}, &ProfileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, objects: opts.Objects}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// AppendMessage records a message; photos go to object storage when configured.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	model := messageToModel(msg)
	if len(msg.Image) > 0 && s.objects != nil {
		key := fmt.Sprintf("messages/%s/%s", msg.UserID, msg.ID)
		contentType := http.DetectContentType(msg.Image)
		if err := s.objects.Put(ctx, key, bytes.NewReader(msg.Image), int64(len(msg.Image)), contentType); err != nil {
			return fmt.Errorf("upload message image: %w", err)
		}
		model.Image = nil
		model.ImageKey = key
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
	if err != nil && model.ImageKey != "" {
		if derr := s.objects.Delete(ctx, model.ImageKey); derr != nil {
			slog.Warn("remove orphaned message image failed", "key", model.ImageKey, "err", derr)
		}
	}
	return err
}

// ListMessages returns a thread in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, userID, expertName string) ([]domain.ChatMessage, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND expert_name = ?", userID, expertName).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			slog.Warn("skipping malformed remote message", "id", m.ID, "err", err)
			continue
		}
		if m.ImageKey != "" && s.objects != nil {
			image, err := s.objects.Get(ctx, m.ImageKey)
			if err != nil {
				slog.Warn("remote message image unavailable", "id", m.ID, "key", m.ImageKey, "err", err)
			} else {
				msg.Image = image
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// AddExpert upserts the contacted-experts index entry.
func (s *GormStore) AddExpert(ctx context.Context, userID, expertName string) error {
	model := ContactedExpertModel{UserID: userID, ExpertName: expertName, CreatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// ListExperts returns contacted experts in first-contact order.
func (s *GormStore) ListExperts(ctx context.Context, userID string) ([]string, error) {
	var models []ContactedExpertModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	experts := make([]string, 0, len(models))
	for _, m := range models {
		experts = append(experts, m.ExpertName)
	}
	return experts, nil
}

// SaveBooking stores or updates a booking.
func (s *GormStore) SaveBooking(ctx context.Context, b domain.Booking) error {
	model := bookingToModel(b)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "arrival_at"}),
	}).Create(&model).Error
}

// ListBookings returns bookings most recent first.
func (s *GormStore) ListBookings(ctx context.Context, userID string) ([]domain.Booking, error) {
	var models []BookingModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	bookings := make([]domain.Booking, 0, len(models))
	for _, m := range models {
		b := bookingFromModel(m)
		if err := b.Validate(); err != nil {
			slog.Warn("skipping malformed remote booking", "id", m.ID, "err", err)
			continue
		}
		bookings = append(bookings, b)
	}
	return bookings, nil
}

// GetCoins reads the profile balance.
func (s *GormStore) GetCoins(ctx context.Context, userID string) (int, bool, error) {
	var model ProfileModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return model.RepairCoins, true, nil
}

// SetCoins upserts the profile balance.
func (s *GormStore) SetCoins(ctx context.Context, userID string, balance int) error {
	model := ProfileModel{ID: userID, RepairCoins: balance, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"repair_coins", "updated_at"}),
	}).Create(&model).Error
}

func messageToModel(msg domain.ChatMessage) MessageModel {
	rawSources, _ := json.Marshal(sourcesOrEmpty(msg.Sources))
	return MessageModel{
		ID:         msg.ID,
		UserID:     msg.UserID,
		ExpertName: msg.ExpertName,
		Role:       string(msg.Role),
		Text:       msg.Text,
		Image:      msg.Image,
		Sources:    rawSources,
		CreatedAt:  msg.CreatedAt.UTC(),
	}
}

func messageFromModel(m MessageModel) (domain.ChatMessage, error) {
	var sources []domain.Source
	if len(m.Sources) > 0 {
		if err := json.Unmarshal(m.Sources, &sources); err != nil {
			return domain.ChatMessage{}, fmt.Errorf("decode sources: %w", err)
		}
	}
	if len(sources) == 0 {
		sources = nil
	}
	msg := domain.ChatMessage{
		ID:         m.ID,
		UserID:     m.UserID,
		ExpertName: m.ExpertName,
		Role:       domain.Role(m.Role),
		Text:       m.Text,
		Image:      m.Image,
		Sources:    sources,
		CreatedAt:  m.CreatedAt,
	}
	if m.ImageKey != "" && msg.Text == "" {
		// image lives in object storage; keep the record readable without it
		msg.Text = "Shared an image for diagnosis"
	}
	if err := msg.Validate(); err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, nil
}

func bookingToModel(b domain.Booking) BookingModel {
	return BookingModel{
		ID:             b.ID,
		UserID:         b.UserID,
		ServiceName:    b.ServiceName,
		ExpertName:     b.ExpertName,
		Context:        string(b.Context),
		QuoteMessageID: b.QuoteMessageID,
		Status:         string(b.Status),
		TotalDisplay:   b.TotalDisplay,
		TotalAmount:    b.TotalAmount,
		ArrivalAt:      b.ArrivalAt,
		CreatedAt:      b.CreatedAt.UTC(),
	}
}

func bookingFromModel(m BookingModel) domain.Booking {
	return domain.Booking{
		ID:             m.ID,
		UserID:         m.UserID,
		ServiceName:    m.ServiceName,
		ExpertName:     m.ExpertName,
		Context:        domain.ServiceContext(m.Context),
		QuoteMessageID: m.QuoteMessageID,
		Status:         domain.BookingStatus(m.Status),
		TotalDisplay:   m.TotalDisplay,
		TotalAmount:    m.TotalAmount,
		ArrivalAt:      m.ArrivalAt,
		CreatedAt:      m.CreatedAt,
	}
}
