package auction

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bidhub/models"
	"bidhub/notify"
)

// ErrInvariantViolation 表示資料已經違反拍賣不變式 (例如最高出價與目前價格不符)
// 這是資料完整性問題，需要告警，不會嘗試自動修復
var ErrInvariantViolation = errors.New("auction invariant violation")

// DefaultPaymentWindow 得標者的預設付款期限
const DefaultPaymentWindow = 48 * time.Hour

// Resolution 結標時計算出來的結果
type Resolution struct {
	WinnerID        *uuid.UUID
	FinalPrice      decimal.Decimal
	PaymentDeadline *time.Time
	Events          []models.NotificationEvent
}

// Resolve 依據拍賣與其最高出價計算得標者、付款期限以及要送出的通知
//   - 沒有任何出價: 沒有得標者、不設定付款期限，只通知賣家流標
//   - 有出價: 最高出價者得標，付款期限為結標時間加上 window，並通知得標者與賣家
//
// 呼叫端必須在結標的同一個交易內寫入結果，才能保證得標通知只會出現一次
func Resolve(auction models.Auction, top *models.Offer, closedAt time.Time, window time.Duration) (Resolution, error) {
	const op = "Resolve"
	resolution := Resolution{FinalPrice: auction.CurrentPrice}
	closedPayload := notify.ClosedPayload{
		AuctionID:  auction.ID,
		Title:      auction.Title,
		FinalPrice: auction.CurrentPrice.String(),
		ClosedAt:   closedAt,
	}

	if top != nil {
		if !top.Amount.Equal(auction.CurrentPrice) {
			return Resolution{}, fmt.Errorf("[%s] highest offer %s does not match current price %s of auction %s: %w",
				op, top.Amount, auction.CurrentPrice, auction.ID, ErrInvariantViolation)
		}
		if top.BidderID == auction.OwnerID {
			return Resolution{}, fmt.Errorf("[%s] owner %s holds the highest offer of auction %s: %w",
				op, auction.OwnerID, auction.ID, ErrInvariantViolation)
		}
		winnerID := top.BidderID
		deadline := closedAt.Add(window)
		resolution.WinnerID = &winnerID
		resolution.PaymentDeadline = &deadline
		closedPayload.WinnerID = &winnerID
		closedPayload.PaymentDeadline = &deadline

		won, err := notify.NewEvent(
			models.NotificationKindWon,
			winnerID,
			auction.ID,
			notify.WonDedupKey(auction.ID),
			notify.WonPayload{
				AuctionID:       auction.ID,
				Title:           auction.Title,
				OwnerID:         auction.OwnerID,
				WinnerID:        winnerID,
				Amount:          top.Amount.String(),
				ClosedAt:        closedAt,
				PaymentDeadline: deadline,
			},
			closedAt,
		)
		if err != nil {
			return Resolution{}, fmt.Errorf("[%s] Fail to build won event, err=%w", op, err)
		}
		resolution.Events = append(resolution.Events, won)
	}

	closed, err := notify.NewEvent(
		models.NotificationKindClosed,
		auction.OwnerID,
		auction.ID,
		notify.ClosedDedupKey(auction.ID),
		closedPayload,
		closedAt,
	)
	if err != nil {
		return Resolution{}, fmt.Errorf("[%s] Fail to build closed event, err=%w", op, err)
	}
	resolution.Events = append(resolution.Events, closed)
	return resolution, nil
}
