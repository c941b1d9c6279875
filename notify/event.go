package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"bidhub/models"
)

// WonPayload 得標通知的內容，同時也是結算流程使用的結算紀錄
type WonPayload struct {
	AuctionID       uuid.UUID `json:"auctionId"`
	Title           string    `json:"title"`
	OwnerID         uuid.UUID `json:"ownerId"`
	WinnerID        uuid.UUID `json:"winnerId"`
	Amount          string    `json:"amount"`
	ClosedAt        time.Time `json:"closedAt"`
	PaymentDeadline time.Time `json:"paymentDeadline"`
}

// OutbidPayload 被超越出價的通知內容
type OutbidPayload struct {
	AuctionID    uuid.UUID `json:"auctionId"`
	Title        string    `json:"title"`
	OfferID      uuid.UUID `json:"offerId"`
	CurrentPrice string    `json:"currentPrice"`
}

// ClosedPayload 結標通知的內容 (送給賣家)
type ClosedPayload struct {
	AuctionID       uuid.UUID  `json:"auctionId"`
	Title           string     `json:"title"`
	FinalPrice      string     `json:"finalPrice"`
	WinnerID        *uuid.UUID `json:"winnerId,omitempty"`
	PaymentDeadline *time.Time `json:"paymentDeadline,omitempty"`
	ClosedAt        time.Time  `json:"closedAt"`
}

// WonDedupKey 每場拍賣只會有一則得標通知
func WonDedupKey(auctionID uuid.UUID) string {
	return "won:" + auctionID.String()
}

// ClosedDedupKey 每場拍賣只會有一則結標通知
func ClosedDedupKey(auctionID uuid.UUID) string {
	return "closed:" + auctionID.String()
}

// OutbidDedupKey 每一筆新的出價最多讓一位前領先者收到通知
func OutbidDedupKey(offerID uuid.UUID) string {
	return "outbid:" + offerID.String()
}

// NewEvent 建立一則尚未寫入的通知事件
func NewEvent(kind models.NotificationKind, recipientID, auctionID uuid.UUID, dedupKey string, payload any, now time.Time) (models.NotificationEvent, error) {
	const op = "NewEvent"
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.NotificationEvent{}, fmt.Errorf("[%s] Fail to marshal %s payload, err=%w", op, kind, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.NotificationEvent{}, fmt.Errorf("[%s] Fail to generate event id, err=%w", op, err)
	}
	return models.NotificationEvent{
		ID:          id,
		RecipientID: recipientID,
		AuctionID:   auctionID,
		Kind:        kind,
		DedupKey:    dedupKey,
		Payload:     datatypes.JSON(raw),
		CreatedAt:   now,
	}, nil
}
