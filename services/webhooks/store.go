package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	coreerrors "milestonemarket/core/errors"
)

// AnyEvent subscribes to every event type.
const AnyEvent = "*"

var (
	ErrNotFound     = fmt.Errorf("webhooks: subscription not found: %w", coreerrors.ErrIndex)
	ErrInvalid      = fmt.Errorf("webhooks: invalid subscription: %w", coreerrors.ErrInvalidArgument)
	ErrNotOwner     = fmt.Errorf("webhooks: subscription belongs to another caller: %w", coreerrors.ErrUnauthorized)
	errUnknownStore = errors.New("webhooks: unknown driver")
)

// Subscription is a registered delivery endpoint.
type Subscription struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Owner     string    `gorm:"size:42;index;not null" json:"owner"`
	EventType string    `gorm:"size:128;index;not null" json:"eventType"`
	URL       string    `gorm:"not null" json:"url"`
	Secret    string    `gorm:"not null" json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attempt is one delivery try for an event.
type Attempt struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SubscriptionID uint64     `gorm:"index;not null" json:"subscriptionId"`
	EventSequence  uint64     `gorm:"not null" json:"eventSequence"`
	Attempt        int        `gorm:"not null" json:"attempt"`
	Status         string     `gorm:"size:16;not null" json:"status"`
	Error          string     `json:"error,omitempty"`
	NextAttempt    *time.Time `json:"nextAttempt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (Subscription) TableName() string { return "webhook_subscriptions" }
func (Attempt) TableName() string      { return "webhook_attempts" }

// Store persists subscriptions and their delivery history.
type Store struct {
	db *gorm.DB
}

// Open connects to the subscription database and migrates its schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownStore, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("webhooks: open %s: %w", driver, err)
	}
	if driver != "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serialises writers; the dispatcher and API share one connection.
		sqlDB.SetMaxOpenConns(1)
	}
	return NewStore(db)
}

// NewStore wraps an existing handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Subscription{}, &Attempt{}); err != nil {
		return nil, fmt.Errorf("webhooks: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create validates and stores sub, filling in its ID.
func (s *Store) Create(ctx context.Context, sub *Subscription) error {
	sub.EventType = strings.TrimSpace(sub.EventType)
	if sub.EventType == "" {
		sub.EventType = AnyEvent
	}
	if strings.TrimSpace(sub.Owner) == "" {
		return fmt.Errorf("%w: owner required", ErrInvalid)
	}
	parsed, err := url.Parse(strings.TrimSpace(sub.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s)", ErrInvalid)
	}
	if strings.TrimSpace(sub.Secret) == "" {
		return fmt.Errorf("%w: secret required", ErrInvalid)
	}
	if sub.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit must be non-negative", ErrInvalid)
	}
	sub.URL = parsed.String()
	sub.Owner = strings.ToLower(sub.Owner)
	sub.Active = true
	return s.db.WithContext(ctx).Create(sub).Error
}

// Get loads a subscription by ID.
func (s *Store) Get(ctx context.Context, id uint64) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// List returns the subscriptions registered by owner.
func (s *Store) List(ctx context.Context, owner string) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.WithContext(ctx).
		Where("owner = ?", strings.ToLower(owner)).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

// Delete removes a subscription owned by owner.
func (s *Store) Delete(ctx context.Context, owner string, id uint64) error {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Owner != strings.ToLower(owner) {
		return ErrNotOwner
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscription_id = ?", id).Delete(&Attempt{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Subscription{}, id).Error
	})
}

// ForEvent returns the active subscriptions interested in eventType.
func (s *Store) ForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.WithContext(ctx).
		Where("active = ? AND (event_type = ? OR event_type = ?)", true, eventType, AnyEvent).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

// RecordAttempt appends to a subscription's delivery history.
func (s *Store) RecordAttempt(ctx context.Context, attempt *Attempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

// Attempts returns the newest attempts for a subscription first.
func (s *Store) Attempts(ctx context.Context, id uint64, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var attempts []Attempt
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", id).
		Order("id DESC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}
