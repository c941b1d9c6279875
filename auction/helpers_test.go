package auction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bidhub/models"
)

// setupDB 建立獨立的記憶體資料庫，回傳的清理函數會關閉連線
func setupDB(t *testing.T) (*gorm.DB, func()) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite 只允許單一寫入者
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	return db, func() {
		sqlDB.Close()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, db *gorm.DB, clock *fakeClock) *GormStore {
	store, err := NewGormStore(db, WithStoreClock(clock.Now))
	require.NoError(t, err)
	return store
}

func createTestAuction(t *testing.T, store *GormStore, owner uuid.UUID, price string, endsAt time.Time) models.Auction {
	auction := models.Auction{
		OwnerID:       owner,
		Title:         "Vintage camera",
		Description:   "Works fine",
		StartingPrice: decimal.RequireFromString(price),
		EndsAt:        endsAt,
	}
	require.NoError(t, store.Create(context.Background(), &auction))
	return auction
}

func eventsOf(t *testing.T, db *gorm.DB, auctionID uuid.UUID, kind models.NotificationKind) []models.NotificationEvent {
	var events []models.NotificationEvent
	require.NoError(t, db.Where("auction_id = ? AND kind = ?", auctionID, kind).Order("created_at, id").Find(&events).Error)
	return events
}
