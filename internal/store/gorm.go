package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atmx/reconciler/internal/model"
)

// BotAccount marks an account as owned by a bot.
type BotAccount struct {
	AccountID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (BotAccount) TableName() string { return "bot_accounts" }

// User is the slice of the user table the bot directory reads.
type User struct {
	ID    int64 `gorm:"primaryKey;autoIncrement:false"`
	IsBot bool  `gorm:"not null;default:false"`
}

func (User) TableName() string { return "users" }

// GormStore implements Store with gorm, for the MySQL deployment.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an opened gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates every table the reconciler writes or reads.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.Order{},
		&model.Position{},
		&model.Account{},
		&model.MarginHistory{},
		&model.PositionHistory{},
		&model.PositionHistoryBySession{},
		&model.OrderWithPositionHistoryBySession{},
		&BotAccount{},
		&User{},
	)
}

// upsertByID is the insert-or-replace clause shared by the snapshot tables.
var upsertByID = clause.OnConflict{
	Columns:   []clause.Column{{Name: "id"}},
	UpdateAll: true,
}

var insertIgnore = clause.OnConflict{
	Columns:   []clause.Column{{Name: "id"}},
	DoNothing: true,
}

func (s *GormStore) UpsertOrders(ctx context.Context, orders []model.Order) error {
	if len(orders) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Clauses(upsertByID).Create(&orders).Error; err != nil {
		return fmt.Errorf("write orders: %w", err)
	}
	return nil
}

func (s *GormStore) UpsertPositions(ctx context.Context, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Clauses(upsertByID).Create(&positions).Error; err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return nil
}

func (s *GormStore) UpsertAccounts(ctx context.Context, accounts []model.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Clauses(upsertByID).Create(&accounts).Error; err != nil {
		return fmt.Errorf("write accounts: %w", err)
	}
	return nil
}

func (s *GormStore) InsertMarginHistories(ctx context.Context, rows []model.MarginHistory) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Clauses(insertIgnore).Create(&rows).Error; err != nil {
		return fmt.Errorf("write margin_histories: %w", err)
	}
	return nil
}

func (s *GormStore) InsertPositionHistories(ctx context.Context, rows []model.PositionHistory) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Clauses(insertIgnore).Create(&rows).Error; err != nil {
		return fmt.Errorf("write position_histories: %w", err)
	}
	return nil
}

func (s *GormStore) FindOpenSession(ctx context.Context, positionID int64) (*model.PositionHistoryBySession, error) {
	var out model.PositionHistoryBySession
	err := s.db.WithContext(ctx).
		Where("position_id = ? AND status IN ?", positionID,
			[]model.SessionStatus{model.SessionOpen, model.SessionPartialClosed}).
		Order("id DESC").
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open session for position %d: %w", positionID, err)
	}
	return &out, nil
}

func (s *GormStore) SaveSession(ctx context.Context, ses *model.PositionHistoryBySession) error {
	if err := s.db.WithContext(ctx).Save(ses).Error; err != nil {
		return fmt.Errorf("save session of position %d: %w", ses.PositionID, err)
	}
	return nil
}

func (s *GormStore) FindSessionOrder(ctx context.Context, sessionID, orderID int64) (*model.OrderWithPositionHistoryBySession, error) {
	var out model.OrderWithPositionHistoryBySession
	err := s.db.WithContext(ctx).
		Where("position_history_by_session_id = ? AND order_id = ?", sessionID, orderID).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order %d of session %d: %w", orderID, sessionID, err)
	}
	return &out, nil
}

func (s *GormStore) SaveSessionOrder(ctx context.Context, o *model.OrderWithPositionHistoryBySession) error {
	if err := s.db.WithContext(ctx).Save(o).Error; err != nil {
		return fmt.Errorf("save order %d of session %d: %w", o.OrderID, o.PositionHistoryBySessionID, err)
	}
	return nil
}

func (s *GormStore) ListSessionOrders(ctx context.Context, sessionID int64, open bool) ([]model.OrderWithPositionHistoryBySession, error) {
	var out []model.OrderWithPositionHistoryBySession
	err := s.db.WithContext(ctx).
		Where("position_history_by_session_id = ? AND open = ?", sessionID, open).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *GormStore) IsBotAccount(ctx context.Context, accountID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&BotAccount{}).Where("account_id = ?", accountID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("bot lookup for account %d: %w", accountID, err)
	}
	return n > 0, nil
}

func (s *GormStore) IsBotUser(ctx context.Context, userID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&User{}).Where("id = ? AND is_bot = ?", userID, true).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("bot lookup for user %d: %w", userID, err)
	}
	return n > 0, nil
}
