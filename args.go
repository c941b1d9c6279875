package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bidhub/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("instance-id", "", "consumer name of this instance, defaults to hostname")
	pflag.String("log-level", "info", "debug, info, warn or error")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "bidhub", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-bid", "bidhub:bids", "")
	pflag.String("redis-stream-key-for-notification", "bidhub:notifications", "")
	pflag.String("redis-consumer-group", "settlement", "")

	// auth config
	pflag.String("auth-public-key", "", "PEM encoded Ed25519 public key of the identity service")

	// bidding config
	pflag.Duration("bidding-payment-window", 48*time.Hour, "")
	pflag.Duration("bidding-sweep-interval", 5*time.Second, "")
	pflag.Int("bidding-sweep-batch", 100, "")

	// notification config
	pflag.Duration("notification-relay-interval", time.Second, "")
	pflag.Duration("notification-dedup-ttl", 24*time.Hour, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BIDHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		LogLevel:  viper.GetString("log-level"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("instance-id"),
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				PublicBaseURL:   viper.GetString("s3-public-base-url"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					BidStream:          viper.GetString("redis-stream-key-for-bid"),
					NotificationStream: viper.GetString("redis-stream-key-for-notification"),
				},
				ConsumerGroup: viper.GetString("redis-consumer-group"),
			},
			Auth: api.AuthConfig{
				PublicKey: viper.GetString("auth-public-key"),
			},
			Bidding: api.BiddingConfig{
				PaymentWindow: viper.GetDuration("bidding-payment-window"),
				SweepInterval: viper.GetDuration("bidding-sweep-interval"),
				SweepBatch:    viper.GetInt("bidding-sweep-batch"),
			},
			Notification: api.NotificationConfig{
				RelayInterval: viper.GetDuration("notification-relay-interval"),
				DedupTTL:      viper.GetDuration("notification-dedup-ttl"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	LogLevel     string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	config := args.ServerConfig
	return args.ServerURL != "" &&
		config.DB.Host != "" && config.DB.Database != "" &&
		config.Redis.Addr != "" &&
		config.S3.Bucket != "" &&
		config.Auth.PublicKey != ""
}
