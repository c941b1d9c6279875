package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuctionStatus 拍賣狀態，只能由 active 單向轉換為 closed
type AuctionStatus string

const (
	AuctionStatusActive AuctionStatus = "active"
	AuctionStatusClosed AuctionStatus = "closed"
)

// Auction 代表一個由賣家建立、限時競標的拍賣商品
// CurrentPrice 與 LeadingBidderID 只會透過 CAS 更新，WinnerID 與 PaymentDeadline 只會在結標時寫入一次
type Auction struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OwnerID            uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	Title              string          `gorm:"type:varchar(255);not null"`
	Description        string          `gorm:"type:text;not null"`
	StartingPrice      decimal.Decimal `gorm:"type:numeric(20,2);not null;<-:create"`
	CurrentPrice       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	LeadingBidderID    *uuid.UUID      `gorm:"type:uuid"`
	Status             AuctionStatus   `gorm:"type:varchar(16);not null;index:idx_auction_status_ends_at,priority:1"`
	EndsAt             time.Time       `gorm:"not null;index:idx_auction_status_ends_at,priority:2;<-:create"`
	ClosedAt           *time.Time
	WinnerID           *uuid.UUID `gorm:"type:uuid"`
	PaymentDeadline    *time.Time
	VerificationStatus *string `gorm:"type:varchar(32)"`
	VerificationURL    *string `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// 外鍵關聯
	Offers []Offer `gorm:"foreignKey:AuctionID"`
}

func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		a.ID = id
	}
	return nil
}

// IsActive 判斷拍賣是否仍可出價
func (a Auction) IsActive() bool {
	return a.Status == AuctionStatusActive
}
