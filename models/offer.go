package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Offer 代表一筆被接受的出價紀錄
// 出價紀錄只會新增，不會被修改或刪除；同一場拍賣中金額唯一且嚴格遞增
type Offer struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_offer_auction_id_amount,priority:1;<-:create"`
	BidderID  uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,2);not null;uniqueIndex:idx_offer_auction_id_amount,priority:2;<-:create"`
	CreatedAt time.Time       `gorm:"not null;<-:create"`
}

func (o *Offer) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		o.ID = id
	}
	return nil
}
