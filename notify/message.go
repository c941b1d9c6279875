package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"bidhub/models"
)

// Message 即時推送與結算流程使用的通知格式
type Message struct {
	ID          uuid.UUID               `msgpack:"id" json:"id"`
	RecipientID uuid.UUID               `msgpack:"recipientId" json:"recipientId"`
	AuctionID   uuid.UUID               `msgpack:"auctionId" json:"auctionId"`
	Kind        models.NotificationKind `msgpack:"kind" json:"kind"`
	Payload     json.RawMessage         `msgpack:"payload" json:"payload"`
	CreatedAt   time.Time               `msgpack:"createdAt" json:"createdAt"`
}

func MessageFromEvent(event models.NotificationEvent) Message {
	return Message{
		ID:          event.ID,
		RecipientID: event.RecipientID,
		AuctionID:   event.AuctionID,
		Kind:        event.Kind,
		Payload:     json.RawMessage(event.Payload),
		CreatedAt:   event.CreatedAt,
	}
}
