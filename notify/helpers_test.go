package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bidhub/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	return db, func() {
		sqlDB.Close()
	}
}

func newTestEvent(t *testing.T, kind models.NotificationKind, recipient uuid.UUID, dedupKey string, at time.Time) models.NotificationEvent {
	event, err := NewEvent(kind, recipient, uuid.New(), dedupKey, map[string]string{"dedupKey": dedupKey}, at)
	require.NoError(t, err)
	return event
}
