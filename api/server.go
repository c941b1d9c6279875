package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "bidhub/adapters/redis"
	internalS3 "bidhub/adapters/s3"
	"bidhub/adapters/sse"
	"bidhub/auction"
	"bidhub/models"
	"bidhub/notify"
)

// price stream 只保留最近的事件，離線的觀看者重新連線時會先收到快照
const priceStreamMaxLen = 10000

type ServerImpl struct {
	db               *gorm.DB
	redisClient      *redis.Client
	priceProducer    redisAdapter.IProducer[auction.PriceEvent]
	priceFeed        sse.IConnectionManager[auction.PriceEvent]
	notificationFeed sse.IConnectionManager[notify.Message]
	scheduler        *auction.Scheduler
	relay            *notify.Relay
	settlement       *SettlementWorker
	handler          *Handler

	mu      sync.Mutex
	started bool
	config  ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"
	logger := slog.Default()

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	s3Operator, err := internalS3.NewS3Operator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
	}

	// 初始化身分驗證
	authenticator, err := NewAuthenticator(config.Auth.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create authenticator, err=%w", op, err)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	gormConfig := &gorm.Config{TranslateError: true}
	if config.DB.Schema != "" {
		gormConfig.NamingStrategy = schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		}
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	keyspace := redisAdapter.Keyspace(config.Redis.KeyPrefix)

	server, err := newServer(config, db, redisClient, keyspace, s3Operator, authenticator, logger)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	return server, nil
}

// newServer 組裝所有元件，外部資源由呼叫端建立
func newServer(
	config ServerConfig,
	db *gorm.DB,
	redisClient *redis.Client,
	keyspace redisAdapter.Keyspace,
	exporter RecordExporter,
	authenticator *Authenticator,
	logger *slog.Logger,
) (*ServerImpl, error) {
	streams := config.Redis.StreamKeys

	// 拍賣核心
	store, err := auction.NewGormStore(db,
		auction.WithStoreLogger(logger),
		auction.WithStorePaymentWindow(config.Bidding.PaymentWindow))
	if err != nil {
		return nil, fmt.Errorf("fail to create auction store, err=%w", err)
	}
	priceProducer, err := redisAdapter.NewProducer(redisClient, streams.BidStream,
		redisAdapter.WithProducerLogger[auction.PriceEvent](logger),
		redisAdapter.WithProducerMaxLen[auction.PriceEvent](priceStreamMaxLen))
	if err != nil {
		return nil, fmt.Errorf("fail to create price producer, err=%w", err)
	}
	service, err := auction.NewService(store,
		auction.WithServiceLogger(logger),
		auction.WithServicePublisher(priceProducer))
	if err != nil {
		return nil, fmt.Errorf("fail to create auction service, err=%w", err)
	}
	scheduler, err := auction.NewScheduler(store,
		auction.WithSchedulerLogger(logger),
		auction.WithSchedulerInterval(config.Bidding.SweepInterval),
		auction.WithSchedulerBatch(config.Bidding.SweepBatch),
		auction.WithSchedulerOnClosed(service.AuctionClosed))
	if err != nil {
		return nil, fmt.Errorf("fail to create closing scheduler, err=%w", err)
	}

	// 通知
	inbox, err := notify.NewInbox(db, notify.WithInboxLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("fail to create notification inbox, err=%w", err)
	}
	pusher, err := NewStreamPusher(redisClient, keyspace, streams.NotificationStream, config.Notification.DedupTTL)
	if err != nil {
		return nil, fmt.Errorf("fail to create notification pusher, err=%w", err)
	}
	relay, err := notify.NewRelay(db, pusher,
		notify.WithRelayLogger(logger),
		notify.WithRelayInterval(config.Notification.RelayInterval))
	if err != nil {
		return nil, fmt.Errorf("fail to create notification relay, err=%w", err)
	}

	// 即時推送，每個實例都讀取完整的 stream 並推送給自己持有的連線
	priceConsumer, err := redisAdapter.NewConsumer(redisClient, streams.BidStream,
		redisAdapter.WithConsumerLogger[auction.PriceEvent](logger))
	if err != nil {
		return nil, fmt.Errorf("fail to create price consumer, err=%w", err)
	}
	priceFeed := sse.NewConnectionManager(
		sse.WithManagerLogger[auction.PriceEvent](logger),
		sse.WithManagerSource(sse.ISource[auction.PriceEvent](priceConsumer), func(event auction.PriceEvent) string {
			return event.AuctionID.String()
		}),
	)
	notificationConsumer, err := redisAdapter.NewConsumer(redisClient, streams.NotificationStream,
		redisAdapter.WithConsumerLogger[notify.Message](logger))
	if err != nil {
		return nil, fmt.Errorf("fail to create notification consumer, err=%w", err)
	}
	notificationFeed := sse.NewConnectionManager(
		sse.WithManagerLogger[notify.Message](logger),
		sse.WithManagerSource(sse.ISource[notify.Message](notificationConsumer), func(message notify.Message) string {
			return message.RecipientID.String()
		}),
	)

	// 結算流程，整個群組同一時間只有一個實例依序處理
	settlementConsumer, err := redisAdapter.NewGroupConsumer(
		redisClient,
		streams.NotificationStream,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[notify.Message](logger),
		redisAdapter.WithGroupConsumerStrictOrdering[notify.Message](true),
	)
	if err != nil {
		return nil, fmt.Errorf("fail to create settlement consumer, err=%w", err)
	}
	settlement, err := NewSettlementWorker(settlementConsumer, exporter, WithSettlementLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("fail to create settlement worker, err=%w", err)
	}

	handler, err := NewHandler(service, inbox, authenticator, priceFeed, notificationFeed,
		WithHandlerLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("fail to create handler, err=%w", err)
	}

	return &ServerImpl{
		db:               db,
		redisClient:      redisClient,
		priceProducer:    priceProducer,
		priceFeed:        priceFeed,
		notificationFeed: notificationFeed,
		scheduler:        scheduler,
		relay:            relay,
		settlement:       settlement,
		handler:          handler,
		config:           config,
	}, nil
}

// RegisterRoutes 註冊 HTTP 路由
func (impl *ServerImpl) RegisterRoutes(router gin.IRouter) {
	impl.handler.RegisterRoutes(router)
}

func (impl *ServerImpl) Start() error {
	const op = "Start"
	impl.mu.Lock()
	defer impl.mu.Unlock()
	if impl.started {
		return nil
	}
	// 啟動price producer
	impl.priceProducer.Start()
	// 啟動即時推送的 connection manager
	impl.priceFeed.Start()
	impl.notificationFeed.Start()
	// 啟動結算流程
	if err := impl.settlement.Start(); err != nil {
		impl.priceFeed.Done()
		impl.notificationFeed.Done()
		impl.priceProducer.Close()
		return fmt.Errorf("[%s] Fail to start settlement worker, err=%w", op, err)
	}
	// 啟動通知 relay 與結標排程
	impl.relay.Start()
	impl.scheduler.Start()
	impl.started = true
	return nil
}

func (impl *ServerImpl) Close() {
	impl.mu.Lock()
	defer impl.mu.Unlock()
	if impl.started {
		// 先停止產生新事件的元件，再停止推送
		impl.scheduler.Close()
		impl.relay.Close()
		impl.settlement.Close()
		impl.notificationFeed.Done()
		impl.priceFeed.Done()
		impl.priceProducer.Close()
		impl.started = false
	}
	if err := impl.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		slog.Error("close redis client error", slog.Any("error", err))
	}
	if sqlDB, err := impl.db.DB(); err == nil {
		sqlDB.Close()
	}
}
