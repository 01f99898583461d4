// Package main Event Bus Tail - 实时跟踪租户事件流（运维调试工具）
//
// 用法:
//
//	eventbus-tail <tenantId>            实时打印该租户的广播事件
//	eventbus-tail <tenantId> -since 1h  先回放最近一小时的历史，再转入实时
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tenant-events/internal/config"
	"tenant-events/internal/eventbus"
	"tenant-events/internal/shared/model"
	redisstore "tenant-events/internal/shared/storage/redis"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: eventbus-tail <tenantId> [-since 1h]")
		os.Exit(2)
	}
	tenantID := os.Args[1]

	fs := flag.NewFlagSet("eventbus-tail", flag.ExitOnError)
	since := fs.Duration("since", 0, "replay history for this duration before tailing")
	fs.Parse(os.Args[2:])

	cfg := config.Load()
	store, err := redisstore.NewStoreFromURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	// 先回放历史（可选）
	if *since > 0 {
		backfill := eventbus.NewBackfillService(store, cfg.EventBus.BackfillMaxLimit, nil)
		result, err := backfill.BackfillEvents(ctx, &model.BackfillRequest{
			TenantID:      tenantID,
			FromTimestamp: time.Now().Add(-*since),
			Limit:         cfg.EventBus.BackfillMaxLimit,
		})
		if err != nil {
			log.Fatalf("Backfill failed: %v", err)
		}
		for _, e := range result.Events {
			printEvent(e)
		}
		if result.HasMore {
			fmt.Fprintf(os.Stderr, "-- %d more events truncated, cursor %s --\n", result.TotalCount-len(result.Events), result.NextCursor)
		}
	}

	// 转入实时跟踪
	events, err := store.SubscribeBroadcast(ctx, tenantID)
	if err != nil {
		log.Fatalf("Subscribe failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "-- tailing %s --\n", tenantID)

	for e := range events {
		printEvent(e)
	}
}

func printEvent(e *model.Envelope) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Printf("Failed to marshal event %s: %v", e.ID, err)
		return
	}
	fmt.Println(string(b))
}
