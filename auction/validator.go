package auction

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bidhub/models"
)

// RejectReason 出價被拒絕的原因
type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonClosed        RejectReason = "auction_closed"
	ReasonSelfBid       RejectReason = "self_bid"
	ReasonInvalidAmount RejectReason = "invalid_amount"
	ReasonNotIncreasing RejectReason = "non_increasing"
)

// 金額最多到小數點後兩位，與資料庫 numeric(20,2) 對齊
const amountScale = 2

// MaxAmount numeric(20,2) 可以表示的上界 (不含)
var MaxAmount = decimal.New(1, 18)

// Verdict 出價檢查的結果
type Verdict struct {
	Accepted bool
	Reason   RejectReason
}

func accept() Verdict {
	return Verdict{Accepted: true}
}

func reject(reason RejectReason) Verdict {
	return Verdict{Reason: reason}
}

// Terminal 判斷拒絕原因是否與價格無關，這類原因不論重試幾次都不會成功
func (v Verdict) Terminal() bool {
	return !v.Accepted && v.Reason != ReasonNotIncreasing
}

// Validate 依據拍賣目前的狀態判斷出價是否可以被接受
// 檢查順序:
//   - 1. 拍賣必須仍在進行中
//   - 2. 出價者不能是賣家本人
//   - 3. 金額必須為正數、低於 MaxAmount 且最多兩位小數
//   - 4. 金額必須嚴格高於目前價格 (同價視為拒絕)
//
// 這是純函式，不會修改任何狀態
func Validate(auction models.Auction, amount decimal.Decimal, bidderID uuid.UUID) Verdict {
	if !auction.IsActive() {
		return reject(ReasonClosed)
	}
	if bidderID == auction.OwnerID {
		return reject(ReasonSelfBid)
	}
	if !amount.IsPositive() || amount.GreaterThanOrEqual(MaxAmount) || !amount.Equal(amount.Round(amountScale)) {
		return reject(ReasonInvalidAmount)
	}
	if amount.LessThanOrEqual(auction.CurrentPrice) {
		return reject(ReasonNotIncreasing)
	}
	return accept()
}
