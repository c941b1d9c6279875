package sse

import (
	"context"
	"log/slog"
	"sync"
)

type managerOptions[T any] struct {
	logger     *slog.Logger
	source     ISource[T]
	route      func(T) string
	bufferSize int
}

type ManagerOption[T any] func(*managerOptions[T])

// WithManagerLogger 設置日誌記錄器
func WithManagerLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithManagerSource 設置訊息來源以及決定訊息所屬頻道的函數
// 透過 Redis Stream 之類的來源，多個服務實例可以把訊息送到各自持有的連線
func WithManagerSource[T any](source ISource[T], route func(T) string) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.source = source
		o.route = route
	}
}

// WithManagerBufferSize 設置每個訂閱者的緩衝大小
func WithManagerBufferSize[T any](size int) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.bufferSize = size
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與分派。
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待所有 goroutine 完成
	active bool           // 標記 manager 是否正在運作中

	channels map[string]IChannel[T] // 儲存所有活躍的頻道
	options  managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...ManagerOption[T]) IConnectionManager[T] {
	// 默認選項
	options := managerOptions[T]{
		logger:     slog.Default(),
		bufferSize: DefaultChannelBufferSize,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &connectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]IChannel[T]),
		options:  options,
		active:   true,
	}
}

// Start 啟動連線管理器，開始從來源接收訊息並分派。
func (cm *connectionManager[T]) Start() {
	if cm.options.source == nil || cm.options.route == nil {
		return
	}
	cm.options.source.Start()
	messages := cm.options.source.Subscribe()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		defer cm.logger.Info("dispatch goroutine stopped")
		for msg := range messages {
			channelName := cm.options.route(msg)
			if channelName == "" {
				continue
			}
			cm.dispatch(channelName, msg)
		}
	}()
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	// 來源關閉後會關閉其輸出通道，分派的 goroutine 隨之結束
	if cm.options.source != nil {
		cm.options.source.Close()
	}
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
// channelName: 要訂閱的頻道名稱
// 返回: 用於接收訊息的唯讀通道，以及可能的錯誤
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T](cm.options.bufferSize)
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Dispatch 將訊息分派給本節點上訂閱該頻道的連線。
func (cm *connectionManager[T]) Dispatch(channelName string, message T) error {
	cm.mu.RLock()
	active := cm.active
	cm.mu.RUnlock()
	if !active {
		return context.Canceled
	}
	cm.dispatch(channelName, message)
	return nil
}

func (cm *connectionManager[T]) dispatch(channelName string, message T) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	channel, ok := cm.channels[channelName]
	if !ok {
		return
	}
	if dropped := channel.Broadcast(message); dropped > 0 {
		cm.logger.Warn("slow subscribers dropped message",
			slog.String("channel", channelName),
			slog.Int("dropped", dropped))
	}
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
