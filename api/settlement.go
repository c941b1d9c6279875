package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	redisAdapter "bidhub/adapters/redis"
	"bidhub/models"
	"bidhub/notify"
)

// RecordExporter 保存結算紀錄，由 s3.S3Operator 實作
type RecordExporter interface {
	PutJSON(ctx context.Context, key string, v any) (string, error)
}

// SettlementRecord 交給付款流程的結算紀錄
type SettlementRecord struct {
	AuctionID       uuid.UUID `json:"auctionId"`
	NotificationID  uuid.UUID `json:"notificationId"`
	Title           string    `json:"title"`
	SellerID        uuid.UUID `json:"sellerId"`
	BuyerID         uuid.UUID `json:"buyerId"`
	Amount          string    `json:"amount"`
	ClosedAt        time.Time `json:"closedAt"`
	PaymentDeadline time.Time `json:"paymentDeadline"`
}

// SettlementKey 結算紀錄的物件路徑，同一場拍賣重複匯出會覆蓋同一個物件
func SettlementKey(auctionID uuid.UUID) string {
	return "settlements/" + auctionID.String() + ".json"
}

type settlementOptions struct {
	logger *slog.Logger
}

type SettlementOption func(*settlementOptions)

// WithSettlementLogger 設置日誌記錄器
func WithSettlementLogger(logger *slog.Logger) SettlementOption {
	return func(o *settlementOptions) {
		o.logger = logger
	}
}

// SettlementWorker 從通知 stream 的 consumer group 讀取得標事件並匯出結算紀錄
// 其他種類的通知直接確認，處理失敗的訊息會被移到 dead-letter stream
type SettlementWorker struct {
	consumer   redisAdapter.IGroupConsumer[notify.Message]
	exporter   RecordExporter
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
}

func NewSettlementWorker(consumer redisAdapter.IGroupConsumer[notify.Message], exporter RecordExporter, opts ...SettlementOption) (*SettlementWorker, error) {
	if consumer == nil {
		return nil, errors.New("consumer cannot be nil")
	}
	if exporter == nil {
		return nil, errors.New("exporter cannot be nil")
	}

	// 默認選項
	options := settlementOptions{
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &SettlementWorker{
		consumer: consumer,
		exporter: exporter,
		closed:   true,
		logger:   options.logger.With(slog.String("caller", "Settlement")),
	}, nil
}

func (w *SettlementWorker) Start() error {
	const op = "SettlementWorker.Start"
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		return nil
	}
	if err := w.consumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start consumer, err=%w", op, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelFunc = cancel
	w.closed = false
	w.logger.Info("start settlement worker")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.logger.Info("settlement worker stopped")
		ch := w.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				w.process(ctx, msg)
			}
		}
	}()
	return nil
}

func (w *SettlementWorker) process(ctx context.Context, msg *redisAdapter.Message[notify.Message]) {
	logger := w.logger.With(
		slog.String("messageID", msg.ID),
		slog.String("eventID", msg.Data.ID.String()))
	logger.Debug("receive message")

	if handleErr := w.handle(ctx, msg.Data); handleErr != nil {
		logger.Error("fail to settle auction", slog.Any("error", handleErr))
		if err := msg.Fail(ctx, handleErr); err != nil {
			logger.Error("fail to fail message", slog.Any("error", err))
		}
		return
	}
	if err := msg.Done(ctx); err != nil {
		// 未確認的訊息會在下一輪重送，匯出是冪等的
		logger.Error("settle success but fail to done message", slog.Any("error", err))
	}
}

func (w *SettlementWorker) handle(ctx context.Context, message notify.Message) error {
	if message.Kind != models.NotificationKindWon {
		return nil
	}
	var payload notify.WonPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return fmt.Errorf("fail to decode won payload, err=%w", err)
	}
	record := SettlementRecord{
		AuctionID:       payload.AuctionID,
		NotificationID:  message.ID,
		Title:           payload.Title,
		SellerID:        payload.OwnerID,
		BuyerID:         payload.WinnerID,
		Amount:          payload.Amount,
		ClosedAt:        payload.ClosedAt,
		PaymentDeadline: payload.PaymentDeadline,
	}
	uri, err := w.exporter.PutJSON(ctx, SettlementKey(payload.AuctionID), record)
	if err != nil {
		return fmt.Errorf("fail to export settlement record, err=%w", err)
	}
	w.logger.Info("settlement record exported",
		slog.String("auctionID", payload.AuctionID.String()),
		slog.String("uri", uri))
	return nil
}

func (w *SettlementWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	// 先關閉 consumer，未處理的訊息留在 pending 中由下一個持有鎖的實例處理
	if err := w.consumer.Close(); err != nil {
		w.logger.Error("close consumer error", slog.Any("error", err))
	}
	w.cancelFunc()
	w.wg.Wait()
}
