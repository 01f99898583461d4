// Package main 事件总线服务入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tenant-events/internal/config"
	"tenant-events/internal/eventbus"
	"tenant-events/internal/server"
	redisstore "tenant-events/internal/shared/storage/redis"
	"tenant-events/pkg/logging"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换环境）
	cfg := config.Load()

	log.Printf("Starting Event Bus Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	logger := logging.Default("eventbus-server")

	// 初始化 Redis（事件流、广播、去重、死信）
	store, err := redisstore.NewStoreFromURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()
	log.Println("Connected to Redis")

	// 装配事件总线
	metrics := eventbus.NewMetrics("tenant_events", nil)
	manager := eventbus.NewManager(store, eventbus.ManagerConfig{
		MaxEventSize:        cfg.EventBus.MaxEventSize,
		DedupWindow:         cfg.EventBus.DedupWindow,
		DedupSweepInterval:  cfg.EventBus.DedupSweepInterval,
		MaxRetries:          cfg.EventBus.MaxRetries,
		RetryBaseDelay:      cfg.EventBus.RetryBaseDelay,
		ConsumerGroup:       cfg.EventBus.ConsumerGroup,
		ConsumerName:        cfg.EventBus.ConsumerName,
		ReadCount:           cfg.EventBus.ReadCount,
		ReadBlockTimeout:    cfg.EventBus.ReadBlockTimeout,
		ClaimMinIdle:        cfg.EventBus.ClaimMinIdle,
		BackfillMaxLimit:    cfg.EventBus.BackfillMaxLimit,
		MaxConnections:      cfg.EventBus.MaxConnections,
		HeartbeatInterval:   cfg.EventBus.HeartbeatInterval,
		InactivityThreshold: cfg.EventBus.InactivityThreshold,
	}, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)

	// 可选：集群 / 哨兵健康监控（失败只告警，不阻断启动）
	if cfg.Cluster.Enabled {
		cm, err := eventbus.NewClusterHealthManager(cfg.Cluster.Addrs, logger)
		if err != nil {
			log.Printf("Cluster monitor unavailable: %v", err)
		} else {
			defer cm.Close()
			cm.WatchTopology(ctx, 15*time.Second)
			manager.AttachClusterMonitor(cm)
			log.Println("Cluster monitor attached")
		}
	}
	if cfg.Sentinel.Enabled {
		sm, err := eventbus.NewSentinelHealthManager(cfg.Sentinel.MasterName, cfg.Sentinel.Addrs, logger)
		if err != nil {
			log.Printf("Sentinel monitor unavailable: %v", err)
		} else {
			defer sm.Close()
			sm.WatchSwitchover(ctx)
			manager.AttachSentinelMonitor(sm)
			log.Println("Sentinel monitor attached")
		}
	}

	// HTTP 接口
	h := server.NewHandler(manager, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /stats", h.Statistics)
	mux.HandleFunc("POST /events", h.PublishEvent)
	mux.HandleFunc("POST /events/backfill", h.Backfill)
	mux.HandleFunc("GET /events/stream", h.StreamSSE)
	mux.HandleFunc("GET /ws/events", h.StreamWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Event Bus Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}
