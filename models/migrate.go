package models

import "gorm.io/gorm"

// AutoMigrate 建立或更新拍賣核心所需的資料表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Auction{}, &Offer{}, &NotificationEvent{})
}
