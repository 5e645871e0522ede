package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/opid"
)

func openSQLite(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s := NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s, db
}

// stores runs fn against every implementation that needs no server.
func stores(t *testing.T, fn func(t *testing.T, s Store, markBot func(accountID, userID int64))) {
	t.Run("memory", func(t *testing.T) {
		m := NewMemoryStore()
		fn(t, m, func(a, u int64) {
			m.AddBotAccounts(a)
			m.AddBotUsers(u)
		})
	})
	t.Run("gorm", func(t *testing.T) {
		s, db := openSQLite(t)
		fn(t, s, func(a, u int64) {
			require.NoError(t, db.Create(&BotAccount{AccountID: a}).Error)
			require.NoError(t, db.Create(&User{ID: u, IsBot: true}).Error)
		})
	})
}

func TestUpsertOrders_ReplacesByID(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ func(int64, int64)) {
		ctx := context.Background()
		o := model.Order{ID: 1, UserID: 2, Status: model.OrderActive, Price: decimal.NewFromInt(100), OperationID: opid.New(5)}
		require.NoError(t, s.UpsertOrders(ctx, []model.Order{o}))

		o.Status = model.OrderFilled
		o.OperationID = opid.New(6)
		require.NoError(t, s.UpsertOrders(ctx, []model.Order{o}))
		require.NoError(t, s.UpsertOrders(ctx, nil))

		switch st := s.(type) {
		case *MemoryStore:
			got, ok := st.Order(1)
			require.True(t, ok)
			assert.Equal(t, model.OrderFilled, got.Status)
		case *GormStore:
			var got model.Order
			require.NoError(t, st.db.First(&got, 1).Error)
			assert.Equal(t, model.OrderFilled, got.Status)
			assert.Equal(t, "6", got.OperationID.String())
			assert.True(t, got.Price.Equal(decimal.NewFromInt(100)))
		}
	})
}

func TestInsertMarginHistories_IgnoresDuplicates(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ func(int64, int64)) {
		ctx := context.Background()
		rows := []model.MarginHistory{{ID: 1, PositionID: 9}, {ID: 2, PositionID: 9}}
		require.NoError(t, s.InsertMarginHistories(ctx, rows))
		require.NoError(t, s.InsertMarginHistories(ctx, rows[:1]))
		require.NoError(t, s.InsertPositionHistories(ctx, []model.PositionHistory{{ID: 1, PositionID: 9}}))
	})
}

func TestSessions(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ func(int64, int64)) {
		ctx := context.Background()

		_, err := s.FindOpenSession(ctx, 9)
		require.ErrorIs(t, err, ErrNotFound)

		ses := &model.PositionHistoryBySession{
			PositionID: 9,
			Status:     model.SessionOpen,
			Side:       model.SideLong,
			MaxSize:    decimal.NewFromInt(5),
		}
		require.NoError(t, s.SaveSession(ctx, ses))
		require.NotZero(t, ses.ID)

		found, err := s.FindOpenSession(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, ses.ID, found.ID)
		assert.True(t, found.MaxSize.Equal(decimal.NewFromInt(5)))

		contribution := &model.OrderWithPositionHistoryBySession{
			OrderID:                    100,
			PositionHistoryBySessionID: ses.ID,
			Open:                       true,
			Size:                       decimal.NewFromInt(5),
		}
		require.NoError(t, s.SaveSessionOrder(ctx, contribution))
		require.NoError(t, s.SaveSessionOrder(ctx, &model.OrderWithPositionHistoryBySession{
			OrderID: 101, PositionHistoryBySessionID: ses.ID, Open: false,
		}))

		got, err := s.FindSessionOrder(ctx, ses.ID, 100)
		require.NoError(t, err)
		assert.Equal(t, contribution.ID, got.ID)

		_, err = s.FindSessionOrder(ctx, ses.ID, 999)
		require.ErrorIs(t, err, ErrNotFound)

		opens, err := s.ListSessionOrders(ctx, ses.ID, true)
		require.NoError(t, err)
		require.Len(t, opens, 1)
		assert.Equal(t, int64(100), opens[0].OrderID)

		closes, err := s.ListSessionOrders(ctx, ses.ID, false)
		require.NoError(t, err)
		require.Len(t, closes, 1)

		ses.Status = model.SessionClosed
		require.NoError(t, s.SaveSession(ctx, ses))
		_, err = s.FindOpenSession(ctx, 9)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBotDirectory(t *testing.T) {
	stores(t, func(t *testing.T, s Store, markBot func(int64, int64)) {
		ctx := context.Background()
		markBot(3, 4)

		bot, err := s.IsBotAccount(ctx, 3)
		require.NoError(t, err)
		assert.True(t, bot)

		bot, err = s.IsBotAccount(ctx, 30)
		require.NoError(t, err)
		assert.False(t, bot)

		bot, err = s.IsBotUser(ctx, 4)
		require.NoError(t, err)
		assert.True(t, bot)

		bot, err = s.IsBotUser(ctx, 40)
		require.NoError(t, err)
		assert.False(t, bot)
	})
}

func TestMemoryStore_ErrorHook(t *testing.T) {
	s := NewMemoryStore()
	fails := 2
	s.SetErrorHook(func(op string) error {
		if op == "UpsertAccounts" && fails > 0 {
			fails--
			return ErrDeadlock
		}
		return nil
	})

	ctx := context.Background()
	a := []model.Account{{ID: 1}}
	assert.ErrorIs(t, s.UpsertAccounts(ctx, a), ErrDeadlock)
	assert.ErrorIs(t, s.UpsertAccounts(ctx, a), ErrDeadlock)
	assert.NoError(t, s.UpsertAccounts(ctx, a))
	_, ok := s.Account(1)
	assert.True(t, ok)
}
