package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bidhub/models"
)

var (
	ErrEventNotFound = errors.New("notification event not found")
)

const DefaultPendingLimit = 100

// Enqueue 在給定的交易內寫入通知事件
// 相同 ID 或相同 DedupKey 的事件已存在時不會重複寫入，因此呼叫端可以安全地重試
// 未設置 DedupKey 的事件以事件 ID 作為去重鍵
func Enqueue(tx *gorm.DB, events ...models.NotificationEvent) error {
	const op = "Enqueue"
	if len(events) == 0 {
		return nil
	}
	for idx := range events {
		if events[idx].ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("[%s] Fail to generate event id, err=%w", op, err)
			}
			events[idx].ID = id
		}
		if events[idx].DedupKey == "" {
			events[idx].DedupKey = events[idx].ID.String()
		}
	}
	// 不指定衝突欄位，主鍵與 dedup_key 的唯一索引都會被忽略
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&events)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to insert notification events, err=%w", op, result.Error)
	}
	return nil
}

type inboxOptions struct {
	logger *slog.Logger
	clock  func() time.Time
}

type InboxOption func(*inboxOptions)

// WithInboxLogger 設置日誌記錄器
func WithInboxLogger(logger *slog.Logger) InboxOption {
	return func(o *inboxOptions) {
		o.logger = logger
	}
}

// WithInboxClock 設置時間來源
func WithInboxClock(clock func() time.Time) InboxOption {
	return func(o *inboxOptions) {
		o.clock = clock
	}
}

// Inbox 以資料庫作為通知的持久層，提供發布、拉取補發與確認送達
type Inbox struct {
	db      *gorm.DB
	logger  *slog.Logger
	options inboxOptions
}

func NewInbox(db *gorm.DB, opts ...InboxOption) (*Inbox, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	// 默認選項
	options := inboxOptions{
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Inbox{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "NotificationInbox")),
		options: options,
	}, nil
}

// Publish 持久化通知事件，至少一次語意；重複發布同一個邏輯事件是安全的
func (i *Inbox) Publish(ctx context.Context, events ...models.NotificationEvent) error {
	return Enqueue(i.db.WithContext(ctx), events...)
}

// PendingCursor 分頁讀取未送達通知的位置，對應排序鍵 (created_at, id)
type PendingCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf 回傳指向該事件之後的游標
func CursorOf(event models.NotificationEvent) *PendingCursor {
	return &PendingCursor{CreatedAt: event.CreatedAt, ID: event.ID}
}

// Pending 依建立順序列出收件者尚未確認的通知，供離線補發使用
func (i *Inbox) Pending(ctx context.Context, recipientID uuid.UUID, limit int) ([]models.NotificationEvent, error) {
	return i.PendingAfter(ctx, recipientID, nil, limit)
}

// PendingAfter 與 Pending 相同，但只回傳排在 after 之後的通知
func (i *Inbox) PendingAfter(ctx context.Context, recipientID uuid.UUID, after *PendingCursor, limit int) ([]models.NotificationEvent, error) {
	const op = "Inbox.PendingAfter"
	if limit <= 0 || limit > DefaultPendingLimit {
		limit = DefaultPendingLimit
	}
	query := i.db.WithContext(ctx).
		Where("recipient_id = ? AND delivered = ?", recipientID, false)
	if after != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var events []models.NotificationEvent
	result := query.
		Order("created_at").
		Order("id").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list pending notifications, err=%w", op, result.Error)
	}
	return events, nil
}

// EachPending 逐頁走訪收件者所有未確認的通知，fn 回傳錯誤時停止
func (i *Inbox) EachPending(ctx context.Context, recipientID uuid.UUID, fn func(models.NotificationEvent) error) error {
	var cursor *PendingCursor
	for {
		events, err := i.PendingAfter(ctx, recipientID, cursor, DefaultPendingLimit)
		if err != nil {
			return err
		}
		for _, event := range events {
			if err := fn(event); err != nil {
				return err
			}
		}
		if len(events) < DefaultPendingLimit {
			return nil
		}
		cursor = CursorOf(events[len(events)-1])
	}
}

// MarkDelivered 確認通知已送達，重複確認是安全的
// 只有第一次確認會回傳 true；事件不存在或不屬於該收件者時回傳 ErrEventNotFound
func (i *Inbox) MarkDelivered(ctx context.Context, recipientID, eventID uuid.UUID) (bool, error) {
	const op = "Inbox.MarkDelivered"
	db := i.db.WithContext(ctx)
	result := db.Model(&models.NotificationEvent{}).
		Where("id = ? AND recipient_id = ? AND delivered = ?", eventID, recipientID, false).
		Updates(map[string]any{
			"delivered":    true,
			"delivered_at": i.options.clock(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("[%s] Fail to mark notification delivered, err=%w", op, result.Error)
	}
	if result.RowsAffected == 1 {
		i.logger.Debug("notification delivered",
			slog.String("eventID", eventID.String()),
			slog.String("recipientID", recipientID.String()))
		return true, nil
	}

	var count int64
	if err := db.Model(&models.NotificationEvent{}).
		Where("id = ? AND recipient_id = ?", eventID, recipientID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("[%s] Fail to check notification existence, err=%w", op, err)
	}
	if count == 0 {
		return false, ErrEventNotFound
	}
	return false, nil
}
