package auction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSweepInterval = 5 * time.Second
	DefaultSweepBatch    = 100
)

type schedulerOptions struct {
	logger   *slog.Logger
	interval time.Duration
	batch    int
	clock    func() time.Time
	onClosed func(uuid.UUID, CloseResult)
}

type SchedulerOption func(*schedulerOptions)

// WithSchedulerLogger 設置日誌記錄器
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		o.logger = logger
	}
}

// WithSchedulerInterval 設置掃描間隔
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		o.interval = d
	}
}

// WithSchedulerBatch 設置每次掃描最多處理的拍賣數量
func WithSchedulerBatch(n int) SchedulerOption {
	return func(o *schedulerOptions) {
		o.batch = n
	}
}

// WithSchedulerClock 設置時間來源
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) {
		o.clock = clock
	}
}

// WithSchedulerOnClosed 設置成功結標後的回呼，只有真正完成轉換的那一次會被呼叫
func WithSchedulerOnClosed(fn func(uuid.UUID, CloseResult)) SchedulerOption {
	return func(o *schedulerOptions) {
		o.onClosed = fn
	}
}

// Scheduler 定期找出已到期的拍賣並結標
// 結標本身是冪等的，多個實例同時執行時只會有一個實例完成轉換
type Scheduler struct {
	store      Store
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    schedulerOptions
}

func NewScheduler(store Store, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	// 默認選項
	options := schedulerOptions{
		logger:   slog.Default(),
		interval: DefaultSweepInterval,
		batch:    DefaultSweepBatch,
		clock:    func() time.Time { return time.Now().UTC() },
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if options.batch <= 0 {
		return nil, errors.New("sweep batch must be positive")
	}

	return &Scheduler{
		store:   store,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "ClosingScheduler")),
		options: options,
	}, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting closing scheduler", slog.Duration("interval", s.options.interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("scheduler goroutine stopped")

		ticker := time.NewTicker(s.options.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep 執行一次掃描，回傳這次真正完成結標的數量
// 失敗的拍賣只會記錄警告，下一次掃描會再嘗試
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.options.clock()
	ids, err := s.store.ListExpired(ctx, now, s.options.batch)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("list expired auctions error", slog.Any("error", err))
		}
		return 0
	}

	closed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		result, err := s.store.Close(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			s.logger.Warn("close auction error, retry on next sweep",
				slog.String("auctionID", id.String()),
				slog.Any("error", err))
			continue
		}
		if result.Outcome == CloseOutcomeAlreadyClosed {
			s.logger.Debug("auction already closed", slog.String("auctionID", id.String()))
			continue
		}

		closed++
		attrs := []any{slog.String("auctionID", id.String()), slog.String("finalPrice", result.FinalPrice.String())}
		if result.WinnerID != nil {
			attrs = append(attrs, slog.String("winnerID", result.WinnerID.String()))
		}
		s.logger.Info("auction closed", attrs...)
		if s.options.onClosed != nil {
			s.options.onClosed(id, result)
		}
	}
	return closed
}

func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Info("closing scheduler")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("scheduler closed")
}
