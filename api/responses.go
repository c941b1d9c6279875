package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"bidhub/auction"
	"bidhub/models"
)

// 金額一律以兩位小數的字串輸出
const amountPlaces = 2

type errorResponse struct {
	Message string `json:"message"`
}

type createAuctionRequest struct {
	Title         string `json:"title" binding:"required"`
	Description   string `json:"description"`
	StartingPrice string `json:"startingPrice" binding:"required"`
	DurationHours int    `json:"durationHours" binding:"required"`
}

type placeOfferRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type offerResponse struct {
	ID        uuid.UUID `json:"id"`
	BidderID  uuid.UUID `json:"bidderId"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

type auctionResponse struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         uuid.UUID       `json:"ownerId"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	StartingPrice   string          `json:"startingPrice"`
	CurrentPrice    string          `json:"currentPrice"`
	LeadingBidderID *uuid.UUID      `json:"leadingBidderId,omitempty"`
	Status          string          `json:"status"`
	EndsAt          time.Time       `json:"endsAt"`
	ClosedAt        *time.Time      `json:"closedAt,omitempty"`
	WinnerID        *uuid.UUID      `json:"winnerId,omitempty"`
	PaymentDeadline *time.Time      `json:"paymentDeadline,omitempty"`
	Offers          []offerResponse `json:"offers,omitempty"`
}

type listAuctionsResponse struct {
	Auctions []auctionResponse `json:"auctions"`
	// NextCursor 下一頁的 after 參數，沒有下一頁時省略
	NextCursor *uuid.UUID `json:"nextCursor,omitempty"`
}

type placeOfferResponse struct {
	Outcome      string         `json:"outcome"`
	CurrentPrice string         `json:"currentPrice"`
	Reason       string         `json:"reason,omitempty"`
	Message      string         `json:"message,omitempty"`
	Offer        *offerResponse `json:"offer,omitempty"`
}

type closeAuctionResponse struct {
	Outcome         string     `json:"outcome"`
	FinalPrice      string     `json:"finalPrice,omitempty"`
	WinnerID        *uuid.UUID `json:"winnerId,omitempty"`
	PaymentDeadline *time.Time `json:"paymentDeadline,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

type markDeliveredResponse struct {
	Delivered bool `json:"delivered"`
}

// socketAck 客戶端透過 WebSocket 確認通知已送達
type socketAck struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

func newOfferResponse(offer models.Offer) offerResponse {
	return offerResponse{
		ID:        offer.ID,
		BidderID:  offer.BidderID,
		Amount:    offer.Amount.StringFixed(amountPlaces),
		CreatedAt: offer.CreatedAt,
	}
}

func newAuctionResponse(a models.Auction) auctionResponse {
	return auctionResponse{
		ID:              a.ID,
		OwnerID:         a.OwnerID,
		Title:           a.Title,
		Description:     a.Description,
		StartingPrice:   a.StartingPrice.StringFixed(amountPlaces),
		CurrentPrice:    a.CurrentPrice.StringFixed(amountPlaces),
		LeadingBidderID: a.LeadingBidderID,
		Status:          string(a.Status),
		EndsAt:          a.EndsAt,
		ClosedAt:        a.ClosedAt,
		WinnerID:        a.WinnerID,
		PaymentDeadline: a.PaymentDeadline,
		Offers: lo.Map(a.Offers, func(offer models.Offer, _ int) offerResponse {
			return newOfferResponse(offer)
		}),
	}
}

func newCloseAuctionResponse(result auction.CloseResult) closeAuctionResponse {
	if result.Outcome == auction.CloseOutcomeAlreadyClosed {
		return closeAuctionResponse{Outcome: "already_closed"}
	}
	return closeAuctionResponse{
		Outcome:         "closed",
		FinalPrice:      result.FinalPrice.StringFixed(amountPlaces),
		WinnerID:        result.WinnerID,
		PaymentDeadline: result.PaymentDeadline,
		ClosedAt:        lo.ToPtr(result.ClosedAt),
	}
}
