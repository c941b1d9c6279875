package api

import "time"

type ServerConfig struct {
	// ID 服務實例的識別名稱，作為 consumer group 中的 consumer 名稱
	ID           string
	DB           DBConfig
	Redis        RedisConfig
	S3           S3Config
	Auth         AuthConfig
	Bidding      BiddingConfig
	Notification NotificationConfig
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys    RedisStreamKeys
	ConsumerGroup string
}

type RedisStreamKeys struct {
	// BidStream 價格變動事件，每個實例都會讀取並推送給各自的 SSE 連線
	BidStream string
	// NotificationStream 通知事件，同時被即時推送與結算流程讀取
	NotificationStream string
}

type AuthConfig struct {
	// PublicKey PEM 格式的 Ed25519 公鑰，用於驗證 access token
	PublicKey string
}

type BiddingConfig struct {
	PaymentWindow time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

type NotificationConfig struct {
	RelayInterval time.Duration
	// DedupTTL 推送去重鍵的保存時間
	DedupTTL time.Duration
}
