package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"bidhub/models"
)

var (
	ErrNotOwner       = errors.New("not the auction owner")
	ErrInvalidAuction = errors.New("invalid auction")
)

const (
	MinDurationHours = 1
	MaxDurationHours = 24 * 30
	maxTitleLength   = 255
)

// PriceEventKind 即時價格事件的種類
type PriceEventKind string

const (
	PriceEventRaised PriceEventKind = "raised"
	PriceEventClosed PriceEventKind = "closed"
)

// PriceEvent 推送給正在觀看拍賣的使用者的即時價格
// Amount 使用字串避免浮點誤差
type PriceEvent struct {
	AuctionID uuid.UUID      `msgpack:"auctionId" json:"auctionId"`
	Kind      PriceEventKind `msgpack:"kind" json:"kind"`
	BidderID  *uuid.UUID     `msgpack:"bidderId" json:"bidderId,omitempty"`
	Amount    string         `msgpack:"amount" json:"amount"`
	Time      time.Time      `msgpack:"time" json:"time"`
}

// PricePublisher 即時價格事件的發布端
type PricePublisher interface {
	Publish(event PriceEvent) error
}

// CreateAuctionRequest 建立拍賣的參數
type CreateAuctionRequest struct {
	OwnerID       uuid.UUID
	Title         string
	Description   string
	StartingPrice decimal.Decimal
	DurationHours int
}

type serviceOptions struct {
	logger    *slog.Logger
	publisher PricePublisher
	clock     func() time.Time
}

type ServiceOption func(*serviceOptions)

// WithServiceLogger 設置日誌記錄器
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithServicePublisher 設置即時價格的發布端
func WithServicePublisher(publisher PricePublisher) ServiceOption {
	return func(o *serviceOptions) {
		o.publisher = publisher
	}
}

// WithServiceClock 設置時間來源
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(o *serviceOptions) {
		o.clock = clock
	}
}

// Service 對外提供建立拍賣、出價、查詢與結標
type Service struct {
	store   Store
	policy  *bluemonday.Policy
	logger  *slog.Logger
	options serviceOptions
}

func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	// 默認選項
	options := serviceOptions{
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Service{
		store:   store,
		policy:  bluemonday.UGCPolicy(),
		logger:  options.logger.With(slog.String("caller", "AuctionService")),
		options: options,
	}, nil
}

// CreateAuction 建立一場從現在開始、持續 DurationHours 小時的拍賣
func (s *Service) CreateAuction(ctx context.Context, req CreateAuctionRequest) (models.Auction, error) {
	const op = "Service.CreateAuction"
	title := strings.TrimSpace(req.Title)
	switch {
	case title == "":
		return models.Auction{}, fmt.Errorf("[%s] title cannot be empty: %w", op, ErrInvalidAuction)
	case utf8.RuneCountInString(title) > maxTitleLength:
		return models.Auction{}, fmt.Errorf("[%s] title is too long: %w", op, ErrInvalidAuction)
	case req.StartingPrice.IsNegative():
		return models.Auction{}, fmt.Errorf("[%s] starting price cannot be negative: %w", op, ErrInvalidAuction)
	case req.StartingPrice.GreaterThanOrEqual(MaxAmount):
		return models.Auction{}, fmt.Errorf("[%s] starting price is out of range: %w", op, ErrInvalidAuction)
	case !req.StartingPrice.Equal(req.StartingPrice.Round(amountScale)):
		return models.Auction{}, fmt.Errorf("[%s] starting price has too many decimal places: %w", op, ErrInvalidAuction)
	case req.DurationHours < MinDurationHours || req.DurationHours > MaxDurationHours:
		return models.Auction{}, fmt.Errorf("[%s] duration must be between %d and %d hours: %w",
			op, MinDurationHours, MaxDurationHours, ErrInvalidAuction)
	}

	auction := models.Auction{
		OwnerID:       req.OwnerID,
		Title:         s.policy.Sanitize(title),
		Description:   s.policy.Sanitize(req.Description),
		StartingPrice: req.StartingPrice,
		EndsAt:        s.options.clock().Add(time.Duration(req.DurationHours) * time.Hour),
	}
	if err := s.store.Create(ctx, &auction); err != nil {
		return models.Auction{}, err
	}
	s.logger.Info("auction created",
		slog.String("auctionID", auction.ID.String()),
		slog.String("ownerID", auction.OwnerID.String()),
		slog.Time("endsAt", auction.EndsAt))
	return auction, nil
}

// PlaceOffer 以讀取到的目前價格作為基準嘗試出價
// 基準價格已被其他出價者改變時回傳 Conflict，不會自動重試；呼叫端可以依最新價格重新出價
func (s *Service) PlaceOffer(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (RaiseResult, error) {
	auction, err := s.store.Get(ctx, auctionID)
	if err != nil {
		return RaiseResult{}, err
	}
	// 在讀取階段就能判定的拒絕原因不需要進入交易
	if verdict := Validate(auction, amount, bidderID); !verdict.Accepted {
		return raiseRejected(verdict.Reason, auction.CurrentPrice), nil
	}

	result, err := s.store.TryRaise(ctx, auctionID, amount, bidderID, auction.CurrentPrice)
	if err != nil {
		return RaiseResult{}, err
	}

	logger := s.logger.With(
		slog.String("auctionID", auctionID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.String("amount", amount.String()))
	switch result.Outcome {
	case OutcomeSuccess:
		logger.Info("offer accepted")
		s.publish(PriceEvent{
			AuctionID: auctionID,
			Kind:      PriceEventRaised,
			BidderID:  lo.ToPtr(bidderID),
			Amount:    result.NewPrice.String(),
			Time:      result.Offer.CreatedAt,
		})
	case OutcomeConflict:
		logger.Debug("offer lost the race", slog.String("currentPrice", result.CurrentPrice.String()))
	case OutcomeRejected:
		logger.Debug("offer rejected", slog.String("reason", string(result.Reason)))
	}
	return result, nil
}

// ListActiveAuctions 列出進行中的拍賣與其出價紀錄
func (s *Service) ListActiveAuctions(ctx context.Context, filter ListFilter) ([]models.Auction, error) {
	filter.WithOffers = true
	return s.store.ListActive(ctx, filter)
}

// GetAuction 取得單一拍賣 (包含已結標的拍賣)
func (s *Service) GetAuction(ctx context.Context, auctionID uuid.UUID) (models.Auction, error) {
	return s.store.Get(ctx, auctionID)
}

// CloseAuction 由賣家提前結標，與排程結標走同一條冪等路徑
func (s *Service) CloseAuction(ctx context.Context, auctionID, requesterID uuid.UUID) (CloseResult, error) {
	auction, err := s.store.Get(ctx, auctionID)
	if err != nil {
		return CloseResult{}, err
	}
	if auction.OwnerID != requesterID {
		return CloseResult{}, ErrNotOwner
	}
	result, err := s.store.Close(ctx, auctionID)
	if err != nil {
		return CloseResult{}, err
	}
	if result.Outcome == CloseOutcomeClosed {
		s.logger.Info("auction closed by owner", slog.String("auctionID", auctionID.String()))
		s.AuctionClosed(auctionID, result)
	}
	return result, nil
}

// AuctionClosed 通知觀看中的使用者拍賣已結標，可作為排程的結標回呼
func (s *Service) AuctionClosed(auctionID uuid.UUID, result CloseResult) {
	s.publish(PriceEvent{
		AuctionID: auctionID,
		Kind:      PriceEventClosed,
		BidderID:  result.WinnerID,
		Amount:    result.FinalPrice.String(),
		Time:      result.ClosedAt,
	})
}

func (s *Service) publish(event PriceEvent) {
	if s.options.publisher == nil {
		return
	}
	// 即時價格只是盡力推送，失敗不影響已提交的出價
	if err := s.options.publisher.Publish(event); err != nil {
		s.logger.Warn("publish price event error",
			slog.String("auctionID", event.AuctionID.String()),
			slog.Any("error", err))
	}
}
