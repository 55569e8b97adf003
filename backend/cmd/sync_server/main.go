package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/zettant/realtime-object-sync/backend/internal/auth"
	"github.com/zettant/realtime-object-sync/backend/internal/cache"
	"github.com/zettant/realtime-object-sync/backend/internal/events"
	"github.com/zettant/realtime-object-sync/backend/internal/session"
	"github.com/zettant/realtime-object-sync/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Keys struct {
		PublicKeyFile string `mapstructure:"publicKeyFile"`
	} `mapstructure:"keys"`
	Keepalive struct {
		IntervalSeconds int `mapstructure:"intervalSeconds"`
	} `mapstructure:"keepalive"`
	// Redis / Kafka 都是可选旁路：不配置就不启用
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	pubPEM, err := os.ReadFile(cfg.Keys.PublicKeyFile)
	if err != nil {
		log.Fatalf("read public key failed: %v", err)
	}
	verifier, err := auth.NewVerifier(pubPEM)
	if err != nil {
		log.Fatalf("init verifier failed: %v", err)
	}

	var presence cache.PresenceCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	var dispatcher *events.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("failed to connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher = events.NewDispatcher(producer, cfg.Kafka.Topic, events.DispatcherOptions{
			QueueSize: 10_000,
			Workers:   4,
			MaxRetry:  3,
		})
	}

	registry := session.NewRegistry(verifier, presence, dispatcher)
	manager := ws.NewManager(registry)

	interval := time.Duration(cfg.Keepalive.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	manager.StartKeepalive(interval)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	sync := r.Group("/sync")
	sync.GET("/ws", func(c *gin.Context) { manager.WebSocketConnect(c) })
	sync.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	log.Printf("sync server listening on :%d", cfg.Running.Port)
	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
