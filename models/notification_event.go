package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationKind 通知事件的種類
type NotificationKind string

const (
	NotificationKindWon    NotificationKind = "won"
	NotificationKindOutbid NotificationKind = "outbid"
	NotificationKindClosed NotificationKind = "closed"
)

// NotificationEvent 代表一則要送達給特定使用者的通知
//   - DedupKey 用來保證同一個邏輯事件只會被寫入一次 (例如每場拍賣只有一則 won)
//   - PushedAt 記錄即時推送的進度，為 outbox relay 使用
//   - Delivered 由收件者確認後設定，拉取補發時會略過已送達的事件
type NotificationEvent struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey;<-:create"`
	RecipientID uuid.UUID        `gorm:"type:uuid;not null;index:idx_notification_recipient_pending,priority:1;<-:create"`
	AuctionID   uuid.UUID        `gorm:"type:uuid;not null;index;<-:create"`
	Kind        NotificationKind `gorm:"type:varchar(16);not null;<-:create"`
	DedupKey    string           `gorm:"type:varchar(128);not null;uniqueIndex;<-:create"`
	Payload     datatypes.JSON   `gorm:"<-:create"`
	CreatedAt   time.Time        `gorm:"not null;index:idx_notification_recipient_pending,priority:3;<-:create"`
	Delivered   bool             `gorm:"not null;index:idx_notification_recipient_pending,priority:2"`
	DeliveredAt *time.Time
	PushedAt    *time.Time `gorm:"index"`
}

func (e *NotificationEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		e.ID = id
	}
	return nil
}
