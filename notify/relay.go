package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bidhub/models"
)

const (
	DefaultRelayInterval = time.Second
	DefaultRelayBatch    = 100
)

// Pusher 將通知推送到即時通道
// 同一則通知重複推送時不應產生第二次推送，回傳值表示這次是否真的推送出去
type Pusher interface {
	Push(ctx context.Context, message Message) (bool, error)
}

type relayOptions struct {
	logger   *slog.Logger
	interval time.Duration
	batch    int
	clock    func() time.Time
}

type RelayOption func(*relayOptions)

// WithRelayLogger 設置日誌記錄器
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(o *relayOptions) {
		o.logger = logger
	}
}

// WithRelayInterval 設置輪詢間隔
func WithRelayInterval(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		o.interval = d
	}
}

// WithRelayBatch 設置每次輪詢最多推送的數量
func WithRelayBatch(n int) RelayOption {
	return func(o *relayOptions) {
		o.batch = n
	}
}

// WithRelayClock 設置時間來源
func WithRelayClock(clock func() time.Time) RelayOption {
	return func(o *relayOptions) {
		o.clock = clock
	}
}

// Relay 將已持久化但尚未推送的通知轉送到即時通道 (outbox)
// 推送失敗的通知保持未推送狀態，下一次輪詢會再嘗試
type Relay struct {
	db         *gorm.DB
	pusher     Pusher
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    relayOptions
}

func NewRelay(db *gorm.DB, pusher Pusher, opts ...RelayOption) (*Relay, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if pusher == nil {
		return nil, errors.New("pusher cannot be nil")
	}

	// 默認選項
	options := relayOptions{
		logger:   slog.Default(),
		interval: DefaultRelayInterval,
		batch:    DefaultRelayBatch,
		clock:    func() time.Time { return time.Now().UTC() },
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 {
		return nil, errors.New("relay interval must be positive")
	}
	if options.batch <= 0 {
		return nil, errors.New("relay batch must be positive")
	}

	return &Relay{
		db:      db,
		pusher:  pusher,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "NotificationRelay")),
		options: options,
	}, nil
}

func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFunc = cancel
	r.closed = false
	r.logger.Info("starting notification relay", slog.Duration("interval", r.options.interval))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.logger.Info("relay goroutine stopped")

		ticker := time.NewTicker(r.options.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RelayOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Warn("relay notifications error", slog.Any("error", err))
				}
			}
		}
	}()
}

// RelayOnce 推送一批尚未推送的通知，回傳成功標記為已推送的數量
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	const op = "Relay.RelayOnce"
	relayed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []models.NotificationEvent
		// 多個實例同時輪詢時各自跳過已被鎖定的列
		result := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("pushed_at IS NULL").
			Order("created_at").
			Order("id").
			Limit(r.options.batch).
			Find(&events)
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to load unpushed notifications, err=%w", op, result.Error)
		}

		for _, event := range events {
			pushed, err := r.pusher.Push(ctx, MessageFromEvent(event))
			if err != nil {
				r.logger.Warn("push notification error",
					slog.String("eventID", event.ID.String()),
					slog.Any("error", err))
				continue
			}
			if !pushed {
				r.logger.Debug("notification already pushed", slog.String("eventID", event.ID.String()))
			}
			if err := tx.Model(&models.NotificationEvent{}).
				Where("id = ?", event.ID).
				Update("pushed_at", r.options.clock()).Error; err != nil {
				return fmt.Errorf("[%s] Fail to mark notification pushed, err=%w", op, err)
			}
			relayed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return relayed, nil
}

func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.logger.Info("closing notification relay")
	r.closed = true
	r.cancelFunc()
	r.wg.Wait()
	r.logger.Info("notification relay closed")
}
