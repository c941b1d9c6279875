package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bidhub/models"
	"bidhub/notify"
)

var (
	ErrAuctionNotFound = errors.New("auction not found")
)

// Outcome 出價嘗試的結果
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeConflict
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeConflict:
		return "conflict"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RaiseResult TryRaise 的結果
//   - Success: NewPrice 為新的目前價格，Offer 為剛寫入的出價紀錄
//   - Conflict: 其他出價者先完成了寫入，CurrentPrice 為最新價格
//   - Rejected: Reason 為拒絕原因
type RaiseResult struct {
	Outcome      Outcome
	NewPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	Offer        *models.Offer
	Reason       RejectReason
}

func raiseRejected(reason RejectReason, current decimal.Decimal) RaiseResult {
	return RaiseResult{Outcome: OutcomeRejected, Reason: reason, CurrentPrice: current}
}

func raiseConflict(current decimal.Decimal) RaiseResult {
	return RaiseResult{Outcome: OutcomeConflict, CurrentPrice: current}
}

// CloseOutcome 結標嘗試的結果
type CloseOutcome int

const (
	CloseOutcomeClosed CloseOutcome = iota + 1
	CloseOutcomeAlreadyClosed
)

// CloseResult Close 的結果，AlreadyClosed 時其餘欄位皆為零值
type CloseResult struct {
	Outcome         CloseOutcome
	FinalPrice      decimal.Decimal
	LastOffer       *models.Offer
	WinnerID        *uuid.UUID
	PaymentDeadline *time.Time
	ClosedAt        time.Time
}

// ListFilter 列出進行中拍賣的條件
type ListFilter struct {
	OwnerID    *uuid.UUID
	After      *uuid.UUID // 以 ID 作為游標 (UUIDv7 依時間排序)
	Limit      int
	WithOffers bool
}

//go:generate mockgen -source=store.go -destination=mock_store.go -package=auction

// Store 拍賣的權威儲存層
// 目前價格只能透過 TryRaise 的 compare-and-swap 修改，結標只能透過 Close 完成且只會成功一次
type Store interface {
	Create(ctx context.Context, auction *models.Auction) error
	Get(ctx context.Context, auctionID uuid.UUID) (models.Auction, error)
	ListActive(ctx context.Context, filter ListFilter) ([]models.Auction, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	TryRaise(ctx context.Context, auctionID uuid.UUID, amount decimal.Decimal, bidderID uuid.UUID, expectedPrice decimal.Decimal) (RaiseResult, error)
	Close(ctx context.Context, auctionID uuid.UUID) (CloseResult, error)
}

type storeOptions struct {
	logger        *slog.Logger
	paymentWindow time.Duration
	clock         func() time.Time
}

type StoreOption func(*storeOptions)

// WithStoreLogger 設置日誌記錄器
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithStorePaymentWindow 設置得標者的付款期限
func WithStorePaymentWindow(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.paymentWindow = d
	}
}

// WithStoreClock 設置時間來源 (主要用於測試)
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.clock = clock
	}
}

// GormStore 以關聯式資料庫實作 Store
// 所有會修改狀態的操作都是單一交易，交易提交即為唯一的提交點
type GormStore struct {
	db      *gorm.DB
	logger  *slog.Logger
	options storeOptions
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, opts ...StoreOption) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	// 默認選項
	options := storeOptions{
		logger:        slog.Default(),
		paymentWindow: DefaultPaymentWindow,
		clock:         func() time.Time { return time.Now().UTC() },
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.paymentWindow <= 0 {
		return nil, errors.New("payment window must be positive")
	}

	return &GormStore{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "AuctionStore")),
		options: options,
	}, nil
}

// Create 建立一場進行中的拍賣，目前價格等於起標價
func (s *GormStore) Create(ctx context.Context, auction *models.Auction) error {
	const op = "GormStore.Create"
	if auction.StartingPrice.IsNegative() {
		return fmt.Errorf("[%s] starting price cannot be negative", op)
	}
	auction.Status = models.AuctionStatusActive
	auction.CurrentPrice = auction.StartingPrice
	auction.LeadingBidderID = nil
	auction.ClosedAt = nil
	auction.WinnerID = nil
	auction.PaymentDeadline = nil
	if result := s.db.WithContext(ctx).Omit(clause.Associations).Create(auction); result.Error != nil {
		return fmt.Errorf("[%s] Fail to create auction, err=%w", op, result.Error)
	}
	return nil
}

// Get 取得拍賣以及依金額由高到低排序的出價紀錄
func (s *GormStore) Get(ctx context.Context, auctionID uuid.UUID) (models.Auction, error) {
	const op = "GormStore.Get"
	var auction models.Auction
	result := s.db.WithContext(ctx).
		Preload("Offers", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "amount"}, Desc: true})
		}).
		Where("id = ?", auctionID).
		First(&auction)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return models.Auction{}, ErrAuctionNotFound
		}
		return models.Auction{}, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	return auction, nil
}

// ListActive 列出進行中的拍賣 (唯讀投影)
func (s *GormStore) ListActive(ctx context.Context, filter ListFilter) ([]models.Auction, error) {
	const op = "GormStore.ListActive"
	query := s.db.WithContext(ctx).Model(&models.Auction{}).Where("status = ?", models.AuctionStatusActive)
	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.After != nil {
		query = query.Where("id > ?", *filter.After)
	}
	if filter.WithOffers {
		query = query.Preload("Offers", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "amount"}, Desc: true})
		})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var auctions []models.Auction
	if result := query.Order("id").Find(&auctions); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list active auctions, err=%w", op, result.Error)
	}
	return auctions, nil
}

// ListExpired 列出已到期但仍在進行中的拍賣 ID，依到期時間排序
func (s *GormStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	const op = "GormStore.ListExpired"
	query := s.db.WithContext(ctx).Model(&models.Auction{}).
		Where("status = ? AND ends_at <= ?", models.AuctionStatusActive, now).
		Order("ends_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var ids []uuid.UUID
	if result := query.Pluck("id", &ids); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list expired auctions, err=%w", op, result.Error)
	}
	return ids, nil
}

// TryRaise 以 compare-and-swap 嘗試提高拍賣的目前價格
// 只有在資料庫中的價格仍等於 expectedPrice 時才會寫入，否則回傳 Conflict
// 成功時在同一個交易內: 更新目前價格與領先者、新增出價紀錄、通知前一位領先者
func (s *GormStore) TryRaise(ctx context.Context, auctionID uuid.UUID, amount decimal.Decimal, bidderID uuid.UUID, expectedPrice decimal.Decimal) (RaiseResult, error) {
	const op = "GormStore.TryRaise"
	var result RaiseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var auction models.Auction
		if err := tx.Where("id = ?", auctionID).First(&auction).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAuctionNotFound
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
		}

		// 與價格無關的拒絕原因優先回報，重試也不會改變結果
		verdict := Validate(auction, amount, bidderID)
		if verdict.Terminal() {
			result = raiseRejected(verdict.Reason, auction.CurrentPrice)
			return nil
		}
		// 呼叫端看到的價格已經過期，需要重新讀取後再決定是否出價
		if !auction.CurrentPrice.Equal(expectedPrice) {
			result = raiseConflict(auction.CurrentPrice)
			return nil
		}
		if !verdict.Accepted {
			result = raiseRejected(verdict.Reason, auction.CurrentPrice)
			return nil
		}

		now := s.options.clock()
		update := tx.Model(&models.Auction{}).
			Where("id = ? AND status = ? AND current_price = ?", auctionID, models.AuctionStatusActive, expectedPrice).
			Updates(map[string]any{
				"current_price":     amount,
				"leading_bidder_id": bidderID,
				"updated_at":        now,
			})
		if update.Error != nil {
			return fmt.Errorf("[%s] Fail to raise current price, err=%w", op, update.Error)
		}
		if update.RowsAffected == 0 {
			// 在讀取與寫入之間有其他交易先提交了
			var latest models.Auction
			if err := tx.Select("current_price", "status").Where("id = ?", auctionID).First(&latest).Error; err != nil {
				return fmt.Errorf("[%s] Fail to reload auction after lost race, err=%w", op, err)
			}
			if !latest.IsActive() {
				result = raiseRejected(ReasonClosed, latest.CurrentPrice)
				return nil
			}
			result = raiseConflict(latest.CurrentPrice)
			return nil
		}

		offer := models.Offer{
			AuctionID: auctionID,
			BidderID:  bidderID,
			Amount:    amount,
			CreatedAt: now,
		}
		if err := tx.Create(&offer).Error; err != nil {
			return fmt.Errorf("[%s] Fail to append offer, err=%w", op, err)
		}

		if previous := auction.LeadingBidderID; previous != nil && *previous != bidderID {
			event, err := notify.NewEvent(
				models.NotificationKindOutbid,
				*previous,
				auctionID,
				notify.OutbidDedupKey(offer.ID),
				notify.OutbidPayload{
					AuctionID:    auctionID,
					Title:        auction.Title,
					OfferID:      offer.ID,
					CurrentPrice: amount.String(),
				},
				now,
			)
			if err != nil {
				return fmt.Errorf("[%s] Fail to build outbid event, err=%w", op, err)
			}
			if err := notify.Enqueue(tx, event); err != nil {
				return fmt.Errorf("[%s] Fail to enqueue outbid event, err=%w", op, err)
			}
		}

		result = RaiseResult{
			Outcome:      OutcomeSuccess,
			NewPrice:     amount,
			CurrentPrice: amount,
			Offer:        &offer,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// (auction_id, amount) 的唯一索引擋下了同價的並行寫入
			s.logger.Warn("Duplicated offer amount rejected by unique index",
				slog.String("auctionID", auctionID.String()),
				slog.String("amount", amount.String()))
			return raiseConflict(amount), nil
		}
		return RaiseResult{}, err
	}
	return result, nil
}

// Close 將拍賣由進行中轉為已結標，並在同一個交易內計算得標者與寫入通知
// 重複呼叫 (包含多個排程實例同時呼叫) 只會有一次成功，其餘回傳 AlreadyClosed
func (s *GormStore) Close(ctx context.Context, auctionID uuid.UUID) (CloseResult, error) {
	const op = "GormStore.Close"
	var result CloseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.options.clock()
		update := tx.Model(&models.Auction{}).
			Where("id = ? AND status = ?", auctionID, models.AuctionStatusActive).
			Updates(map[string]any{
				"status":     models.AuctionStatusClosed,
				"closed_at":  now,
				"updated_at": now,
			})
		if update.Error != nil {
			return fmt.Errorf("[%s] Fail to close auction, err=%w", op, update.Error)
		}
		if update.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Auction{}).Where("id = ?", auctionID).Count(&count).Error; err != nil {
				return fmt.Errorf("[%s] Fail to check auction existence, err=%w", op, err)
			}
			if count == 0 {
				return ErrAuctionNotFound
			}
			result = CloseResult{Outcome: CloseOutcomeAlreadyClosed}
			return nil
		}

		var auction models.Auction
		if err := tx.Where("id = ?", auctionID).First(&auction).Error; err != nil {
			return fmt.Errorf("[%s] Fail to reload closed auction, err=%w", op, err)
		}
		var offers []models.Offer
		if err := tx.Where("auction_id = ?", auctionID).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "amount"}, Desc: true}).
			Limit(1).
			Find(&offers).Error; err != nil {
			return fmt.Errorf("[%s] Fail to find highest offer, err=%w", op, err)
		}
		var top *models.Offer
		if len(offers) > 0 {
			top = &offers[0]
		}

		resolution, err := Resolve(auction, top, now, s.options.paymentWindow)
		if err != nil {
			return err
		}
		if resolution.WinnerID != nil {
			if err := tx.Model(&models.Auction{}).Where("id = ?", auctionID).Updates(map[string]any{
				"winner_id":        *resolution.WinnerID,
				"payment_deadline": *resolution.PaymentDeadline,
			}).Error; err != nil {
				return fmt.Errorf("[%s] Fail to record winner, err=%w", op, err)
			}
		}
		if err := notify.Enqueue(tx, resolution.Events...); err != nil {
			return fmt.Errorf("[%s] Fail to enqueue close events, err=%w", op, err)
		}

		result = CloseResult{
			Outcome:         CloseOutcomeClosed,
			FinalPrice:      resolution.FinalPrice,
			LastOffer:       top,
			WinnerID:        resolution.WinnerID,
			PaymentDeadline: resolution.PaymentDeadline,
			ClosedAt:        now,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			s.logger.Error("Data integrity alert while closing auction",
				slog.String("auctionID", auctionID.String()),
				slog.Any("error", err))
		}
		return CloseResult{}, err
	}
	return result, nil
}
